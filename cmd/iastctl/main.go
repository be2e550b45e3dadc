// Command iastctl is a thin HTTP client for the admin API exposed by
// internal/targetmgr.Server (§6 "Admin API", §4.9 [ADD] CLI companion).
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8087", "iastscand admin API base URL")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "targets":
		err = get(*addr, "/admin/targets")
	case "start":
		err = needHostPort(args[1:], func(host string, port int) error {
			return post(*addr, fmt.Sprintf("/admin/targets/%s/%d/start", host, port), nil)
		})
	case "stop":
		if len(args) < 2 {
			err = fmt.Errorf("usage: iastctl stop <scanner-id>")
		} else {
			err = post(*addr, fmt.Sprintf("/admin/scanners/%s/stop", args[1]), nil)
		}
	case "clean":
		err = needHostPort(args[1:], func(host string, port int) error {
			return post(*addr, fmt.Sprintf("/admin/targets/%s/%d/clean", host, port), nil)
		})
	case "config":
		err = needHostPort(args[1:], func(host string, port int) error {
			return get(*addr, fmt.Sprintf("/admin/targets/%s/%d/config", host, port))
		})
	case "urls":
		err = needHostPort(args[1:], func(host string, port int) error {
			return get(*addr, fmt.Sprintf("/admin/targets/%s/%d/urls", host, port))
		})
	case "report":
		err = needHostPort(args[1:], func(host string, port int) error {
			return get(*addr, fmt.Sprintf("/admin/targets/%s/%d/report", host, port))
		})
	case "auto-start":
		if len(args) >= 2 {
			body, _ := json.Marshal(map[string]bool{"auto_start": args[1] == "true"})
			err = put(*addr, "/admin/auto_start", body)
		} else {
			err = get(*addr, "/admin/auto_start")
		}
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "iastctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: iastctl [-addr url] <command> [args]

commands:
  targets                    list active scanners
  start <host> <port>        start a scanner for host:port
  stop <scanner-id>          stop a running scanner
  clean <host> <port>        drop a target's queue tables
  config <host> <port>       fetch a target's configuration
  urls <host> <port>         list a target's endpoints
  report <host> <port>       list a target's findings
  auto-start [true|false]    get or set the auto-start flag`)
}

func needHostPort(args []string, fn func(host string, port int) error) error {
	if len(args) < 2 {
		return fmt.Errorf("expected <host> <port>")
	}
	var port int
	if _, err := fmt.Sscanf(args[1], "%d", &port); err != nil {
		return fmt.Errorf("invalid port %q: %w", args[1], err)
	}
	return fn(args[0], port)
}

func get(base, path string) error {
	resp, err := http.Get(strings.TrimRight(base, "/") + path)
	if err != nil {
		return err
	}
	return printBody(resp)
}

func post(base, path string, body []byte) error {
	resp, err := http.Post(strings.TrimRight(base, "/")+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	return printBody(resp)
}

func put(base, path string, body []byte) error {
	req, err := http.NewRequest(http.MethodPut, strings.TrimRight(base, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	return printBody(resp)
}

func printBody(resp *http.Response) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}
	return nil
}
