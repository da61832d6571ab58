package service

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/todo-list/todo/database"
	"github.com/todo-list/todo/model"
)

// ErrNotFound 目标待办事项不存在
var ErrNotFound = database.ErrNotFound

// ValidationError 输入校验失败，按字段收集错误信息
type ValidationError struct {
	Fields map[string][]string
}

// Add 记录一个字段错误
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], message)
}

// HasErrors 是否存在错误
func (e *ValidationError) HasErrors() bool {
	return e != nil && len(e.Fields) > 0
}

// OrNil 没有错误时返回 nil，方便直接 return
func (e *ValidationError) OrNil() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, strings.Join(e.Fields[name], "; ")))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// ValidateTitle 校验 API 和表单提交的标题（存储层接受任意标题，包括空标题）
func ValidateTitle(verr *ValidationError, title string) {
	if strings.TrimSpace(title) == "" {
		verr.Add("title", "This field may not be blank.")
		return
	}
	if utf8.RuneCountInString(title) > model.TitleMaxLength {
		verr.Add("title", fmt.Sprintf("Ensure this field has no more than %d characters.", model.TitleMaxLength))
	}
}
