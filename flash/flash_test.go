package flash

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func flashCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionName {
			return c
		}
	}
	t.Fatal("no flash cookie set")
	return nil
}

func TestAddAndPop(t *testing.T) {
	store := NewStore(testKey)

	// 第一次请求写入消息
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/add/", nil)
	store.Add(rec, req, LevelSuccess, "Todo added")
	cookie := flashCookie(t, rec)

	// 跟随重定向的请求读出消息
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)

	messages := store.Pop(rec, req)
	if len(messages) != 1 || messages[0].Text != "Todo added" || messages[0].Level != LevelSuccess {
		t.Fatalf("Pop() = %+v", messages)
	}
	if cleared := flashCookie(t, rec); cleared.MaxAge >= 0 {
		t.Errorf("Pop() should expire the cookie, got %+v", cleared)
	}
}

func TestAddAppendsToPending(t *testing.T) {
	store := NewStore(testKey)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	store.Add(rec, req, LevelSuccess, "first")

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.AddCookie(flashCookie(t, rec))
	rec = httptest.NewRecorder()
	store.Add(rec, req, LevelError, "second")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(flashCookie(t, rec))
	messages := store.Pop(httptest.NewRecorder(), req)
	if len(messages) != 2 || messages[0].Text != "first" || messages[1].Level != LevelError {
		t.Errorf("Pop() = %+v", messages)
	}
}

func TestPopWithoutCookie(t *testing.T) {
	store := NewStore(testKey)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if messages := store.Pop(rec, req); messages != nil {
		t.Errorf("Pop() = %+v, want nil", messages)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("Pop() without messages should not touch cookies")
	}
}

func TestPopRejectsUnsignedCookies(t *testing.T) {
	store := NewStore(testKey)

	tests := []struct {
		name  string
		value string
	}{
		{"garbage", "!!!not-base64"},
		// 旧格式：未签名的 base64 JSON
		{"unsigned", "W3sibGV2ZWwiOiJzdWNjZXNzIiwidGV4dCI6ImZvcmdlZCJ9XQ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.AddCookie(&http.Cookie{Name: sessionName, Value: tt.value})
			if messages := store.Pop(httptest.NewRecorder(), req); messages != nil {
				t.Errorf("Pop() = %+v, want nil", messages)
			}
		})
	}
}

func TestPopRejectsOtherKey(t *testing.T) {
	rec := httptest.NewRecorder()
	NewStore([]byte("another-key-another-key-another-")).Add(rec, httptest.NewRequest(http.MethodPost, "/", nil), LevelSuccess, "forged")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(flashCookie(t, rec))
	if messages := NewStore(testKey).Pop(httptest.NewRecorder(), req); messages != nil {
		t.Errorf("message signed with another key accepted: %+v", messages)
	}
}

func TestNewStoreWithoutKey(t *testing.T) {
	store := NewStore(nil)
	rec := httptest.NewRecorder()
	store.Add(rec, httptest.NewRequest(http.MethodPost, "/", nil), LevelWarning, "kept")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(flashCookie(t, rec))
	if messages := store.Pop(httptest.NewRecorder(), req); len(messages) != 1 || messages[0].Text != "kept" {
		t.Errorf("Pop() = %+v", messages)
	}
}
