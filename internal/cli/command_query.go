package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/picatz/dohrelay/pkg/dj"
	"github.com/picatz/dohrelay/pkg/doh"
	"github.com/picatz/dohrelay/pkg/upstream"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type result struct {
	Server string `json:"server"`
	Resp   any    `json:"resp"`
}

var CommandQuery = &cobra.Command{
	Use:   "query domains... [flags]",
	Short: "Query DNS records from DoH servers",
	Long: `Query DNS records from DoH servers using the given domains and record type.

Servers may be given as bare hosts ("1.1.1.1"), hosts with a path, or full URLs. By default
the RFC8484 wire format is sent to "/dns-query"; --json uses the JSON API on "/resolve"
instead. The type "all" queries A, AAAA and NS records over the JSON API and combines them.

Each server is queried in parallel, and each domain is queried in parallel. Results are streamed
to STDOUT as JSON newline delimited objects, which can be piped to other commands (e.g. jq) or
redirected to a file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		servers, err := cmd.Flags().GetStringSlice("servers")
		if err != nil {
			return fmt.Errorf("invalid servers: %w", err)
		}

		queryType := cmd.Flag("type").Value.String()

		jsonAPI, err := cmd.Flags().GetBool("json")
		if err != nil {
			return fmt.Errorf("invalid json flag: %w", err)
		}

		timeout, err := cmd.Flags().GetDuration("timeout")
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}

		specs := make([]upstream.Spec, 0, len(servers))
		for _, server := range servers {
			spec, err := upstream.Parse(server)
			if err != nil {
				return fmt.Errorf("invalid server: %w", err)
			}
			specs = append(specs, spec)
		}

		httpClient := cleanhttp.DefaultClient()

		var (
			mu     sync.Mutex
			output = json.NewEncoder(cmd.OutOrStdout())
		)

		emit := func(r *result) error {
			mu.Lock()
			defer mu.Unlock()
			return output.Encode(r)
		}

		var (
			ctx    context.Context    = cmd.Context()
			cancel context.CancelFunc = func() {}
		)

		if timeout != 0 {
			ctx, cancel = context.WithTimeout(cmd.Context(), timeout)
		}

		defer cancel()

		eg, gtx := errgroup.WithContext(ctx)

		for _, arg := range args {
			req := &dj.Request{
				Name: arg,
				Type: queryType,
			}

			for _, spec := range specs {
				eg.Go(func() error {
					resp, err := query(gtx, httpClient, spec, req, jsonAPI)
					if err != nil {
						return fmt.Errorf("%s: %w", spec, err)
					}

					return emit(&result{
						Server: spec.String(),
						Resp:   resp,
					})
				})
			}
		}

		if err := eg.Wait(); err != nil {
			return fmt.Errorf("encountered error while querying: %w", err)
		}

		return nil
	},
}

func query(ctx context.Context, httpClient *http.Client, spec upstream.Spec, req *dj.Request, jsonAPI bool) (any, error) {
	switch {
	case strings.EqualFold(req.Type, "all"):
		return dj.QueryAll(ctx, httpClient, spec, req)
	case jsonAPI:
		return dj.Query(ctx, httpClient, spec, req)
	default:
		return doh.SimpleQuery(ctx, httpClient, spec.DNSQueryURL(), req)
	}
}

func init() {
	defaultServers := []string{
		doh.Google,
		doh.Cloudflare,
		doh.Quad9,
	}

	CommandQuery.Flags().String("type", "A", "dns record type to query for each domain, such as A, AAAA, MX, etc., or all")
	CommandQuery.Flags().StringSlice("servers", defaultServers, "servers to query")
	CommandQuery.Flags().Bool("json", false, "use the JSON API instead of the RFC8484 wire format")
	CommandQuery.Flags().Duration("timeout", 30*time.Second, "timeout for query, 0s for no timeout")

	CommandRoot.AddCommand(CommandQuery)
}
