package server

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, sanitizeBase(c.in), "sanitizeBase(%q)", c.in)
	}
}

func TestIsSafeInput(t *testing.T) {
	valid := []string{"status", "h", "p", "set_log 1", "with\ttab", "한글"}
	invalid := []string{"", "   ", "a\nb", "a\rb", "\x1b[2J", "nul\x00", "bad\xff", strings.Repeat("x", maxInputLen+1)}
	for _, s := range valid {
		assert.True(t, isSafeInput(s), "expected valid input %q", s)
	}
	for _, s := range invalid {
		assert.False(t, isSafeInput(s), "expected invalid input %q", s)
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 201, map[string]any{"a": 1}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	assert.Equal(t, 201, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"a":1}`, rec.Body.String())
}

func FuzzIsSafeInput(f *testing.F) {
	f.Add("status")
	f.Add("a\nb")
	f.Add("\x1b]0;title\x07")
	f.Add("")
	f.Fuzz(func(t *testing.T, s string) {
		if !isSafeInput(s) {
			return
		}
		if strings.ContainsAny(s, "\r\n\x00\x1b") {
			t.Fatalf("control characters accepted: %q", s)
		}
	})
}
