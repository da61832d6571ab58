package model

import (
	"time"
)

// TitleMaxLength 标题最大长度（仅在 API 和表单边界校验，存储层不限制）
const TitleMaxLength = 200

// Todo 表示一个待办事项
type Todo struct {
	ID        int       `json:"id" example:"1"`
	Title     string    `json:"title" example:"Buy groceries"`
	Completed bool      `json:"completed" example:"false"`
	CreatedAt time.Time `json:"created_at" example:"2024-05-30T16:00:00Z"`
	UpdatedAt time.Time `json:"updated_at" example:"2024-05-30T16:00:00Z"`
}

// Fields 部分更新的字段，nil 表示不修改
type Fields struct {
	Title     *string
	Completed *bool
}

// NewTodo 创建一个新的待办事项
func NewTodo(title string, completed bool, now time.Time) *Todo {
	return &Todo{
		Title:     title,
		Completed: completed,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ParseCompleted 解析 completed 查询参数，只接受 true/false/1/0
func ParseCompleted(raw string) (completed bool, ok bool) {
	switch raw {
	case "true", "1":
		return true, true
	case "false", "0":
		return false, true
	}
	return false, false
}
