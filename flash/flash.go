// Package flash stores one-shot notifications in a signed session cookie so
// they survive the redirect that follows a write.
package flash

import (
	"encoding/gob"
	"net/http"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

const sessionName = "flash"

// 消息级别
const (
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Message 一条提示消息
type Message struct {
	Level string
	Text  string
}

func init() {
	// session 里的 flash 以 interface{} 保存，gob 需要知道具体类型
	gob.Register(Message{})
}

// Store 基于签名 cookie 的消息存储
type Store struct {
	cookies *sessions.CookieStore
}

// NewStore 用签名密钥创建存储，密钥为空时生成随机密钥（重启后旧消息失效）
func NewStore(hashKey []byte) *Store {
	if len(hashKey) == 0 {
		hashKey = securecookie.GenerateRandomKey(32)
	}
	cookies := sessions.NewCookieStore(hashKey)
	cookies.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &Store{cookies: cookies}
}

// session 签名校验失败时返回一个新的空 session，伪造的消息被丢弃
func (s *Store) session(r *http.Request) *sessions.Session {
	session, _ := s.cookies.Get(r, sessionName)
	return session
}

// Add 追加一条消息，下一次 Pop 时读出
func (s *Store) Add(w http.ResponseWriter, r *http.Request, level, text string) {
	session := s.session(r)
	session.AddFlash(Message{Level: level, Text: text})
	_ = session.Save(r, w)
}

// Pop 读出并清除所有待显示的消息
func (s *Store) Pop(w http.ResponseWriter, r *http.Request) []Message {
	session := s.session(r)
	flashes := session.Flashes()
	if len(flashes) == 0 {
		return nil
	}

	messages := make([]Message, 0, len(flashes))
	for _, f := range flashes {
		if m, ok := f.(Message); ok {
			messages = append(messages, m)
		}
	}

	if len(session.Values) == 0 {
		session.Options.MaxAge = -1
	}
	_ = session.Save(r, w)
	return messages
}
