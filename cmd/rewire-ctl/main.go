// Command rewire-ctl is the administration CLI: it creates expectations and
// toggles them through the server's admin API.
//
// Usage:
//
//	rewire-ctl -base-url URL -admin-token TOKEN new-schedule -name N -email E -expected-interval-s 3600 [...]
//	rewire-ctl -base-url URL -admin-token TOKEN new-alertpath -name N -email E -test-interval-s 3600 -ack-window-s 300 [...]
//	rewire-ctl -base-url URL -admin-token TOKEN enable -id ID
//	rewire-ctl -base-url URL -admin-token TOKEN disable -id ID
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 20 * time.Second}

func post(endpoint, token string, form url.Values) (map[string]any, error) {
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %v", resp.Status, out["error"])
	}
	return out, nil
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func cmdNewSchedule(baseURL, token string, args []string) error {
	fs := flag.NewFlagSet("new-schedule", flag.ExitOnError)
	name := fs.String("name", "", "expectation name")
	email := fs.String("email", "", "owner email")
	expectedInterval := fs.Int("expected-interval-s", 0, "expected interval between runs (seconds)")
	tolerance := fs.Int("tolerance-s", 0, "grace period (seconds)")
	maxRuntime := fs.Int("max-runtime-s", 0, "max runtime before longrun violation (0=disable)")
	minSpacing := fs.Int("min-spacing-s", 0, "min gap between runs (0=disable)")
	allowOverlap := fs.Bool("allow-overlap", false, "allow overlapping runs")
	_ = fs.Parse(args)

	if *name == "" || *email == "" || *expectedInterval == 0 {
		return fmt.Errorf("new-schedule: -name, -email, and -expected-interval-s are required")
	}

	params, _ := json.Marshal(map[string]any{
		"max_runtime_s": *maxRuntime,
		"min_spacing_s": *minSpacing,
		"allow_overlap": *allowOverlap,
	})
	out, err := post(baseURL+"/admin/new", token, url.Values{
		"type":                {"schedule"},
		"name":                {*name},
		"email":               {*email},
		"expected_interval_s": {fmt.Sprint(*expectedInterval)},
		"tolerance_s":         {fmt.Sprint(*tolerance)},
		"params_json":         {string(params)},
	})
	if err != nil {
		return err
	}
	printJSON(out)
	fmt.Println("\nInstrument your job:")
	fmt.Printf("  curl -fsS -X POST '%v' -d kind=start\n", out["observe_url"])
	fmt.Println("  # ... do work ...")
	fmt.Printf("  curl -fsS -X POST '%v' -d kind=end\n", out["observe_url"])
	return nil
}

func cmdNewAlertPath(baseURL, token string, args []string) error {
	fs := flag.NewFlagSet("new-alertpath", flag.ExitOnError)
	name := fs.String("name", "", "expectation name")
	email := fs.String("email", "", "owner email")
	testInterval := fs.Int("test-interval-s", 0, "how often to send synthetic tests")
	ackWindow := fs.Int("ack-window-s", 0, "time allowed to acknowledge")
	expectedInterval := fs.Int("expected-interval-s", 3600, "expected interval (default: 3600)")
	tolerance := fs.Int("tolerance-s", 0, "grace period (seconds)")
	_ = fs.Parse(args)

	if *name == "" || *email == "" || *testInterval == 0 || *ackWindow == 0 {
		return fmt.Errorf("new-alertpath: -name, -email, -test-interval-s, and -ack-window-s are required")
	}

	params, _ := json.Marshal(map[string]any{
		"test_interval_s": *testInterval,
		"ack_window_s":    *ackWindow,
	})
	out, err := post(baseURL+"/admin/new", token, url.Values{
		"type":                {"alert_path"},
		"name":                {*name},
		"email":               {*email},
		"expected_interval_s": {fmt.Sprint(*expectedInterval)},
		"tolerance_s":         {fmt.Sprint(*tolerance)},
		"params_json":         {string(params)},
	})
	if err != nil {
		return err
	}
	printJSON(out)
	fmt.Println("\nSynthetic tests will be sent to", *email)
	fmt.Println("ACK via the /ack/<trial> link in each email.")
	return nil
}

func cmdToggle(baseURL, token, verb string, args []string) error {
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	id := fs.String("id", "", "expectation ID")
	_ = fs.Parse(args)
	if *id == "" {
		return fmt.Errorf("%s: -id is required", verb)
	}
	out, err := post(baseURL+"/admin/"+verb, token, url.Values{"id": {*id}})
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func main() {
	log.SetFlags(0)

	baseURL := flag.String("base-url", "", "Rewire server URL")
	adminToken := flag.String("admin-token", "", "admin API token")
	flag.Parse()

	if *baseURL == "" || *adminToken == "" {
		log.Fatal("rewire-ctl: -base-url and -admin-token are required")
	}
	base := strings.TrimRight(*baseURL, "/")

	args := flag.Args()
	if len(args) == 0 {
		log.Fatal("rewire-ctl: need a command: new-schedule | new-alertpath | enable | disable")
	}

	var err error
	switch args[0] {
	case "new-schedule":
		err = cmdNewSchedule(base, *adminToken, args[1:])
	case "new-alertpath":
		err = cmdNewAlertPath(base, *adminToken, args[1:])
	case "enable", "disable":
		err = cmdToggle(base, *adminToken, args[0], args[1:])
	default:
		err = fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		log.Fatalf("rewire-ctl: %v", err)
	}
	_ = os.Stdout.Sync()
}
