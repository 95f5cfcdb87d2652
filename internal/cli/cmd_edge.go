package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/koltyakov/edgetun/internal/identity"
)

func runAuth(ctx context.Context, args []string) int {
	a, rest, code := openApp(ctx, "auth", args)
	if code != 0 {
		return code
	}
	defer a.Close()

	c, code := a.client("auth", rest)
	if code != 0 {
		return code
	}
	err := c.Authenticate(ctx)
	st := c.Identity().EdgeStatus()
	fmt.Printf("reachability: %s (checked %s)\n", st.Status, st.CheckedAt.Format("2006-01-02 15:04:05"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "auth error:", err)
		return 1
	}
	fmt.Println("authenticated")
	return 0
}

func runServices(ctx context.Context, args []string) int {
	a, rest, code := openApp(ctx, "services", args)
	if code != 0 {
		return code
	}
	defer a.Close()

	c, code := a.client("services", rest)
	if code != 0 {
		return code
	}
	id := c.Identity()
	services, changed, err := c.GetServices(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "services error (reachability %s): %v\n", id.EdgeStatus().Status, err)
		return 1
	}
	writeServiceTable(os.Stdout, services)
	if changed {
		fmt.Println("service list changed")
	}
	if id.NeedsRestart() {
		fmt.Println("a service requested a tunnel restart")
	}
	return 0
}

func writeServiceTable(w io.Writer, services []identity.Service) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPROTOCOLS\tADDRESSES\tPORTS\tPOSTURE")
	for _, svc := range services {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			svc.ID, svc.Name, strings.Join(svc.Protocols, ","), strings.Join(svc.Addresses, ","), portRanges(svc.PortRanges), postureSummary(svc.PostureChecks))
	}
	_ = tw.Flush()
}

func portRanges(ranges []identity.PortRange) string {
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		if r.Low == r.High {
			parts = append(parts, fmt.Sprint(r.Low))
			continue
		}
		parts = append(parts, fmt.Sprintf("%d-%d", r.Low, r.High))
	}
	return strings.Join(parts, ",")
}

func postureSummary(checks []identity.PostureCheck) string {
	if len(checks) == 0 {
		return "-"
	}
	passing := 0
	for _, pc := range checks {
		if pc.IsPassing {
			passing++
		}
	}
	return fmt.Sprintf("%d/%d passing", passing, len(checks))
}

func runSession(ctx context.Context, args []string) int {
	a, rest, code := openApp(ctx, "session", args)
	if code != 0 {
		return code
	}
	defer a.Close()

	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "session command error: expected <id> <service-id>")
		return 2
	}
	c, code := a.client("session", rest)
	if code != 0 {
		return code
	}
	ns, err := c.GetNetworkSession(ctx, rest[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "session error:", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ns); err != nil {
		fmt.Fprintln(os.Stderr, "session error:", err)
		return 1
	}
	return 0
}
