package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"fingate/pkg/auth"
	"fingate/pkg/requestid"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "mint-token":
		return mintToken(args[1:], out)
	case "audit":
		return fetchAudit(args[1:], out)
	case "health":
		return health(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "fingatectl commands:")
	fmt.Fprintln(out, "  mint-token --secret <hs256-secret> --sub <user> [--tenant t] [--roles a,b] [--permissions x,y] [--tier business] [--flags govcon] [--ttl 1h]")
	fmt.Fprintln(out, "  audit --gateway http://localhost:8080 --token <jwt> --request-id <id>")
	fmt.Fprintln(out, "  health --gateway http://localhost:8080")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func mintToken(args []string, out io.Writer) error {
	fs := newFlagSet("mint-token")
	secret := fs.String("secret", "", "HS256 secret")
	sub := fs.String("sub", "", "subject id")
	tenant := fs.String("tenant", "", "tenant id")
	roles := fs.String("roles", "", "comma-separated roles")
	permissions := fs.String("permissions", "", "comma-separated permissions")
	tier := fs.String("tier", "free", "subscription tier")
	flagList := fs.String("flags", "", "comma-separated enabled feature flags")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" || *sub == "" {
		return errors.New("secret and sub required")
	}
	now := time.Now().UTC()
	claims := auth.TokenClaims{
		Sub:         *sub,
		Tenant:      *tenant,
		Roles:       splitList(*roles),
		Permissions: splitList(*permissions),
		Tier:        *tier,
		Iat:         now.Unix(),
		Exp:         now.Add(*ttl).Unix(),
	}
	if enabled := splitList(*flagList); len(enabled) > 0 {
		claims.Flags = make(map[string]bool, len(enabled))
		for _, f := range enabled {
			claims.Flags[f] = true
		}
	}
	token, err := auth.SignHS256(claims, *secret)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

func fetchAudit(args []string, out io.Writer) error {
	fs := newFlagSet("audit")
	gateway := fs.String("gateway", "http://localhost:8080", "gateway base url")
	token := fs.String("token", "", "bearer token")
	id := fs.String("request-id", "", "request id to look up")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if requestid.Sanitize(*id) == "" {
		return errors.New("request-id required")
	}
	req, err := http.NewRequest(http.MethodGet, strings.TrimSuffix(*gateway, "/")+"/v1/audit/"+*id, nil)
	if err != nil {
		return err
	}
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("audit lookup: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("audit lookup: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var pretty json.RawMessage = body
	encoded, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Fprintln(out, string(body))
		return nil
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func health(args []string, out io.Writer) error {
	fs := newFlagSet("health")
	gateway := fs.String("gateway", "http://localhost:8080", "gateway base url")
	if err := fs.Parse(args); err != nil {
		return err
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Get(strings.TrimSuffix(*gateway, "/") + "/healthz")
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintf(out, "%d %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode != http.StatusOK {
		return errors.New("gateway unhealthy")
	}
	return nil
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
