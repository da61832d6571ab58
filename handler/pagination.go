package handler

import (
	"net/http"
	"strconv"

	"github.com/todo-list/todo/model"
)

// Page 分页响应
type Page struct {
	Count    int          `json:"count" example:"100"`
	Next     *string      `json:"next"`
	Previous *string      `json:"previous"`
	Results  []model.Todo `json:"results"`
}

// parsePage 解析页码，缺省为第一页
func parsePage(raw string) (int, bool) {
	if raw == "" {
		return 1, true
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 0, false
	}
	return page, true
}

// parsePageSize 非法值使用默认值，超过上限时截断
func (h *Handler) parsePageSize(raw string) int {
	size, err := strconv.Atoi(raw)
	if err != nil || size <= 0 {
		return h.pageSize
	}
	return min(size, h.maxPageSize)
}

func newPage(r *http.Request, todos []model.Todo, total, page, pageSize int) Page {
	p := Page{Count: total, Results: todos}
	if page*pageSize < total {
		next := pageURL(r, page+1)
		p.Next = &next
	}
	if page > 1 {
		prev := pageURL(r, page-1)
		p.Previous = &prev
	}
	return p
}

// pageURL 生成指向另一页的绝对地址，第一页不带 page 参数
func pageURL(r *http.Request, page int) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}

	q := r.URL.Query()
	if page <= 1 {
		q.Del("page")
	} else {
		q.Set("page", strconv.Itoa(page))
	}

	u := scheme + "://" + r.Host + r.URL.Path
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}
