package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/todo-list/todo/model"
	"github.com/todo-list/todo/service"
)

const maxBodyBytes = 1 << 20 // 限制1MB

var jsonNull = []byte("null")

// decodeTodo 解析请求体。partial=false 时 title 必填（POST/PUT），
// 未知字段和只读字段（id、created_at、updated_at）直接忽略。
func (h *Handler) decodeTodo(w http.ResponseWriter, r *http.Request, partial bool) (model.Fields, bool) {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.sendError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body too large.")
			return model.Fields{}, false
		}
		h.sendError(w, http.StatusBadRequest, "INVALID_JSON", fmt.Sprintf("JSON parse error - %v", err))
		return model.Fields{}, false
	}

	var fields model.Fields
	verr := &service.ValidationError{}

	if v, ok := raw["title"]; ok {
		var title string
		switch {
		case bytes.Equal(bytes.TrimSpace(v), jsonNull):
			verr.Add("title", "This field may not be null.")
		case json.Unmarshal(v, &title) != nil:
			verr.Add("title", "Not a valid string.")
		default:
			service.ValidateTitle(verr, title)
			fields.Title = &title
		}
	} else if !partial {
		verr.Add("title", "This field is required.")
	}

	if v, ok := raw["completed"]; ok {
		var completed bool
		if bytes.Equal(bytes.TrimSpace(v), jsonNull) || json.Unmarshal(v, &completed) != nil {
			verr.Add("completed", "Must be a valid boolean.")
		} else {
			fields.Completed = &completed
		}
	}

	if verr.HasErrors() {
		h.sendValidationError(w, verr)
		return model.Fields{}, false
	}
	return fields, true
}
