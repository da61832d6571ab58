package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

var client = &http.Client{Timeout: 5 * time.Second}

func main() {
	baseURL := flag.String("base", "http://localhost:7789", "server base URL")
	flag.Parse()

	fmt.Println("=== Todo REST API 测试 ===")

	fmt.Println("\n1. 健康检查 /health")
	TestEndpoint(*baseURL, "GET", "/health", nil, http.StatusOK)

	fmt.Println("\n2. 创建待办事项")
	body := TestEndpoint(*baseURL, "POST", "/api/todos/", map[string]any{"title": "学习Go语言"}, http.StatusCreated)
	var todo struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(body, &todo); err != nil || todo.ID == 0 {
		fmt.Printf("❌ 无法解析创建结果: %v\n", err)
		os.Exit(1)
	}
	detail := fmt.Sprintf("/api/todos/%d/", todo.ID)

	fmt.Println("\n3. 空标题应返回 400")
	TestEndpoint(*baseURL, "POST", "/api/todos/", map[string]any{"title": ""}, http.StatusBadRequest)

	fmt.Println("\n4. 获取列表（分页、搜索）")
	TestEndpoint(*baseURL, "GET", "/api/todos/?search=go&page_size=5", nil, http.StatusOK)

	fmt.Println("\n5. 切换完成状态两次")
	TestEndpoint(*baseURL, "POST", detail+"toggle_completed/", nil, http.StatusOK)
	TestEndpoint(*baseURL, "POST", detail+"toggle_completed/", nil, http.StatusOK)

	fmt.Println("\n6. 全量更新与部分更新")
	TestEndpoint(*baseURL, "PUT", detail, map[string]any{"title": "学习Go并发", "completed": true}, http.StatusOK)
	TestEndpoint(*baseURL, "PATCH", detail, map[string]any{"completed": false}, http.StatusOK)

	fmt.Println("\n7. 统计信息")
	TestEndpoint(*baseURL, "GET", "/api/todos/stats/", nil, http.StatusOK)

	fmt.Println("\n8. 删除后再次获取应返回 404")
	TestEndpoint(*baseURL, "DELETE", detail, nil, http.StatusNoContent)
	TestEndpoint(*baseURL, "GET", detail, nil, http.StatusNotFound)

	fmt.Println("\n=== 测试完成 ===")
}

// TestEndpoint 发送请求并检查状态码，返回响应体
func TestEndpoint(baseURL, method, endpoint string, data any, wantStatus int) []byte {
	var reader io.Reader
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			fmt.Printf("❌ 编码请求失败: %v\n", err)
			return nil
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, baseURL+endpoint, reader)
	if err != nil {
		fmt.Printf("❌ 创建请求失败: %v\n", err)
		return nil
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("❌ 请求失败: %v\n", err)
		return nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	mark := "✅"
	if resp.StatusCode != wantStatus {
		mark = "❌"
	}
	fmt.Printf("%s %s %s - Status: %d (want %d)\n", mark, method, endpoint, resp.StatusCode, wantStatus)
	if len(body) > 0 {
		fmt.Printf("Response: %s\n", string(body))
	}
	return body
}
