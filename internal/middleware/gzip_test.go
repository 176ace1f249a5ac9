package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(s)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()

	var r io.Reader = res.Body
	if res.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(res.Body)
		if err != nil {
			t.Fatalf("new gzip reader: %v", err)
		}
		defer gr.Close()
		r = gr
	}

	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

// echoWithStatus отвечает кодом из заголовка X-Status и повторяет тело запроса.
func echoWithStatus(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	status := http.StatusOK
	switch r.Header.Get("X-Status") {
	case "204":
		status = http.StatusNoContent
	case "304":
		status = http.StatusNotModified
	case "empty":
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status == http.StatusOK {
		_, _ = w.Write([]byte(`{"received":` + string(body) + `}`))
	}
}

func TestGzipMiddleware(t *testing.T) {
	type want struct {
		statusCode      int
		contentEncoding string
		body            string
	}

	tests := []struct {
		name        string
		requestBody string
		gzipRequest bool
		headers     map[string]string
		want        want
	}{
		{
			name:        "json response is compressed",
			requestBody: `{"raffle_id":3}`,
			headers:     map[string]string{"Accept-Encoding": "gzip, deflate"},
			want: want{
				statusCode:      http.StatusOK,
				contentEncoding: "gzip",
				body:            `{"received":{"raffle_id":3}}`,
			},
		},
		{
			name:        "client without gzip gets plain body",
			requestBody: `{"raffle_id":3}`,
			want: want{
				statusCode: http.StatusOK,
				body:       `{"received":{"raffle_id":3}}`,
			},
		},
		{
			name:        "gzip request body is decompressed",
			requestBody: `{"raffle_id":7}`,
			gzipRequest: true,
			want: want{
				statusCode: http.StatusOK,
				body:       `{"received":{"raffle_id":7}}`,
			},
		},
		{
			name:    "no content is never compressed",
			headers: map[string]string{"Accept-Encoding": "gzip", "X-Status": "204"},
			want:    want{statusCode: http.StatusNoContent},
		},
		{
			name:    "not modified is never compressed",
			headers: map[string]string{"Accept-Encoding": "gzip", "X-Status": "304"},
			want:    want{statusCode: http.StatusNotModified},
		},
		{
			name:    "empty compressed response is a valid stream",
			headers: map[string]string{"Accept-Encoding": "gzip", "X-Status": "empty"},
			want:    want{statusCode: http.StatusOK, contentEncoding: "gzip"},
		},
	}

	h := GzipMiddleware(http.HandlerFunc(echoWithStatus))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requestBody io.Reader = strings.NewReader(tt.requestBody)
			if tt.gzipRequest {
				requestBody = bytes.NewReader(gzipBytes(t, tt.requestBody))
			}

			req := httptest.NewRequest(http.MethodPost, "/api/reserve", requestBody)
			if tt.gzipRequest {
				req.Header.Set("Content-Encoding", "gzip")
			}
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != tt.want.statusCode {
				t.Fatalf("status: got %d want %d", res.StatusCode, tt.want.statusCode)
			}

			if ce := res.Header.Get("Content-Encoding"); ce != tt.want.contentEncoding {
				t.Fatalf("content-encoding: got %q want %q", ce, tt.want.contentEncoding)
			}

			if body := readBody(t, res); body != tt.want.body {
				t.Fatalf("body: got %q want %q", body, tt.want.body)
			}
		})
	}
}

func TestGzipMiddleware_InvalidRequestBody(t *testing.T) {
	called := false
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/reserve", strings.NewReader("not gzip at all"))
	req.Header.Set("Content-Encoding", "gzip")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusBadRequest)
	}
	if called {
		t.Fatal("handler must not run for a broken gzip body")
	}
}

func TestGzipMiddleware_ReusesWriters(t *testing.T) {
	h := GzipMiddleware(http.HandlerFunc(echoWithStatus))

	for _, payload := range []string{`1`, `"second"`, `[3,3,3]`} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload))
		req.Header.Set("Accept-Encoding", "gzip")

		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		res := w.Result()
		body := readBody(t, res)
		res.Body.Close()

		if want := `{"received":` + payload + `}`; body != want {
			t.Fatalf("body: got %q want %q", body, want)
		}
	}
}
