package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

func main() {
	baseURL := flag.String("base", "http://localhost:7789", "server base URL")
	flag.Parse()

	// cookie jar 用来跟随 flash 消息
	jar, _ := cookiejar.New(nil)
	client := &http.Client{Timeout: 5 * time.Second, Jar: jar}

	fmt.Println("=== 测试页面流程 ===")

	title := fmt.Sprintf("页面测试 %d", time.Now().Unix())

	// 1. 新建，跟随重定向后列表页应显示 flash 消息和新记录
	body := check(client.PostForm(*baseURL+"/add/", url.Values{"title": {title}}))
	expect(body, "Todo added successfully!")
	expect(body, title)

	// 2. 空标题重新显示表单
	body = check(client.PostForm(*baseURL+"/add/", url.Values{"title": {" "}}))
	expect(body, "may not be blank")

	// 3. 后台页面可以搜索到新记录
	body = check(client.Get(*baseURL + "/admin/todos/?q=" + url.QueryEscape(title)))
	expect(body, title)

	fmt.Println("\n=== 测试完成 ===")
}

func check(resp *http.Response, err error) string {
	if err != nil {
		fmt.Printf("❌ 请求失败: %v\n", err)
		return ""
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("✅ %s %s - Status: %d\n", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode)
	return string(body)
}

func expect(body, want string) {
	if strings.Contains(body, want) {
		fmt.Printf("   包含 %q\n", want)
	} else {
		fmt.Printf("❌ 页面缺少 %q\n", want)
	}
}
