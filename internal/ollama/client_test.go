package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func tagsJSON(names ...string) []byte {
	var b strings.Builder
	b.WriteString(`{"models":[`)
	for i, n := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`{"name":"` + n + `"}`)
	}
	b.WriteString(`]}`)
	return []byte(b.String())
}

// route serves body on path and 404s everything else.
func route(path string, h http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
}

func TestIsRunning(t *testing.T) {
	srv := route("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON())
	})
	defer srv.Close()

	if !New(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}

	srv.Close()
	if New(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() after close = true, want false")
	}
}

func TestListModels(t *testing.T) {
	srv := route("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.1:latest", "nomic-embed-text:latest"))
	})
	defer srv.Close()

	models, err := New(srv.URL + "/").ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	want := []string{"llama3.1:latest", "nomic-embed-text:latest"}
	if len(models) != len(want) {
		t.Fatalf("got %d models, want %d", len(models), len(want))
	}
	for i, w := range want {
		if models[i] != w {
			t.Errorf("models[%d] = %q, want %q", i, models[i], w)
		}
	}
}

func TestHasModel(t *testing.T) {
	srv := route("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.1:latest", "mistral:7b"))
	})
	defer srv.Close()
	c := New(srv.URL)

	tests := []struct {
		name string
		want bool
	}{
		{"llama3.1", true},
		{"llama3.1:latest", true},
		{"mistral", true},
		{"llama3", false},
		{"nomic-embed-text", false},
	}
	for _, tt := range tests {
		if got := c.HasModel(context.Background(), tt.name); got != tt.want {
			t.Errorf("HasModel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestGenerate_RequestShape(t *testing.T) {
	var got map[string]any
	srv := route("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Write([]byte(`{"response":"{\"intent\":\"greeting\",\"response\":\"Hi!\"}","done":true}`))
	})
	defer srv.Close()

	out, err := New(srv.URL).Generate(context.Background(), GenerateRequest{
		Model:   "llama3.1",
		Prompt:  "say hi",
		Format:  "json",
		Stream:  true,
		Options: Options{Temperature: 0.7, TopP: 0.9, NumPredict: 256},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != `{"intent":"greeting","response":"Hi!"}` {
		t.Errorf("response = %q", out)
	}

	if got["model"] != "llama3.1" || got["prompt"] != "say hi" || got["format"] != "json" {
		t.Errorf("request = %v", got)
	}
	if got["stream"] != false {
		t.Errorf("stream = %v, want false", got["stream"])
	}
	opts, _ := got["options"].(map[string]any)
	if opts["temperature"] != 0.7 || opts["top_p"] != 0.9 || opts["num_predict"] != float64(256) {
		t.Errorf("options = %v", opts)
	}
}

func TestGenerate_OmitsEmptyFormat(t *testing.T) {
	var got map[string]any
	srv := route("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"response":"ok"}`))
	})
	defer srv.Close()

	if _, err := New(srv.URL).Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, ok := got["format"]; ok {
		t.Errorf("format sent for plain request: %v", got["format"])
	}
	opts, _ := got["options"].(map[string]any)
	if _, ok := opts["num_predict"]; ok {
		t.Errorf("num_predict sent when zero: %v", opts)
	}
}

func TestGenerate_APIError(t *testing.T) {
	srv := route("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"llama9\" not found, try pulling it first"}`))
	})
	defer srv.Close()

	_, err := New(srv.URL).Generate(context.Background(), GenerateRequest{Model: "llama9", Prompt: "x"})
	if err == nil {
		t.Fatal("expected error on 404")
	}
	if !IsModelNotFound(err) {
		t.Errorf("IsModelNotFound(%v) = false, want true", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !strings.Contains(apiErr.Message, "not found") {
		t.Errorf("error = %v, want the server message", err)
	}
}

func TestGenerate_Non200WithoutBody(t *testing.T) {
	srv := route("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	_, err := New(srv.URL).Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "x"})
	if err == nil {
		t.Fatal("expected error on 500")
	}
	if IsModelNotFound(err) {
		t.Error("500 reported as model not found")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want the status code", err)
	}
}

func TestGenerate_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := New(srv.URL).Generate(ctx, GenerateRequest{Model: "m", Prompt: "x"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestRunningModels(t *testing.T) {
	srv := route("/api/ps", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3.1:latest","size":5000,"size_vram":4000},{"name":"nomic-embed-text:latest","size":300,"size_vram":300}]}`))
	})
	defer srv.Close()

	models, err := New(srv.URL).RunningModels(context.Background())
	if err != nil {
		t.Fatalf("RunningModels: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2", len(models))
	}
	if models[0].Name != "llama3.1:latest" || models[0].SizeVRAM != 4000 {
		t.Errorf("models[0] = %+v", models[0])
	}
}

func TestEmbed(t *testing.T) {
	var got map[string]any
	srv := route("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"embeddings":[[0.5,0.25,0.125]]}`))
	})
	defer srv.Close()

	vec, err := New(srv.URL).Embed(context.Background(), "nomic-embed-text", "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	want := []float32{0.5, 0.25, 0.125}
	if len(vec) != len(want) {
		t.Fatalf("got %d floats, want %d", len(vec), len(want))
	}
	for i, w := range want {
		if vec[i] != w {
			t.Errorf("vec[%d] = %f, want %f", i, vec[i], w)
		}
	}
	if got["model"] != "nomic-embed-text" || got["input"] != "hello world" {
		t.Errorf("request = %v", got)
	}
}

func TestEmbed_Empty(t *testing.T) {
	srv := route("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[]}`))
	})
	defer srv.Close()

	if _, err := New(srv.URL).Embed(context.Background(), "m", "x"); err == nil {
		t.Fatal("expected error for empty embeddings")
	}
}

func TestPullModel_Progress(t *testing.T) {
	srv := route("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		json.NewDecoder(r.Body).Decode(&in)
		if in["name"] != "llama3.1" || in["stream"] != true {
			t.Errorf("pull request = %v", in)
		}
		w.Write([]byte(`{"status":"pulling manifest"}
{"status":"downloading","total":1000,"completed":500}
{"status":"downloading","total":1000,"completed":1000}
{"status":"success"}
`))
	})
	defer srv.Close()

	var seen []PullProgress
	err := New(srv.URL).PullModel(context.Background(), "llama3.1", func(p PullProgress) {
		seen = append(seen, p)
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if len(seen) != 4 {
		t.Fatalf("received %d progress updates, want 4", len(seen))
	}
	if seen[1].Completed != 500 || seen[3].Status != "success" {
		t.Errorf("progress = %+v", seen)
	}
}

func TestPullModel_StreamError(t *testing.T) {
	srv := route("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"pulling manifest"}
{"error":"pull model manifest: file does not exist"}
`))
	})
	defer srv.Close()

	err := New(srv.URL).PullModel(context.Background(), "nope", nil)
	if err == nil || !strings.Contains(err.Error(), "file does not exist") {
		t.Fatalf("err = %v, want the streamed error", err)
	}
}
