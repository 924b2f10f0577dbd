package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func limitedRouter(l *KeyedLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	known := func(id string) bool { return id == "pc-lab-1" }
	r.GET("/pull", RateLimit(l, KnownOnly(ByQuery("pc_id"), known)), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func pull(r *gin.Engine, pcID string) int {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pull?pc_id="+pcID, nil))
	return w.Code
}

func TestUnknownKeysShareOneBucket(t *testing.T) {
	l := NewKeyedLimiter(0.001, 3)
	r := limitedRouter(l)

	for i := 0; i < 3; i++ {
		if code := pull(r, fmt.Sprintf("bogus-%d", i)); code != http.StatusOK {
			t.Fatalf("unknown pull %d: %d", i, code)
		}
	}
	if code := pull(r, "bogus-99"); code != http.StatusTooManyRequests {
		t.Fatalf("shared bucket not exhausted: %d", code)
	}
	if code := pull(r, "pc-lab-1"); code != http.StatusOK {
		t.Fatalf("known pc limited by unknown traffic: %d", code)
	}
	if n := l.Len(); n != 2 {
		t.Fatalf("buckets = %d, want 2", n)
	}
}

func TestZeroRateDisablesLimiting(t *testing.T) {
	l := NewKeyedLimiter(0, 1)
	r := limitedRouter(l)
	for i := 0; i < 5; i++ {
		if code := pull(r, "pc-lab-1"); code != http.StatusOK {
			t.Fatalf("pull %d: %d", i, code)
		}
	}
	if l.Len() != 0 {
		t.Fatalf("disabled limiter created buckets: %d", l.Len())
	}
}
