package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"reposcope/internal/index"
	"reposcope/internal/types"
)

var routeMethodFlag string

var routesCmd = &cobra.Command{
	Use:   "routes <owner/name> [uri-fragment]",
	Short: "List extracted routes for an indexed repository",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := parseRepoArg(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		filter := index.RouteFilter{Method: types.HTTPMethod(strings.ToUpper(routeMethodFlag))}
		if len(args) == 2 {
			filter.URIContains = args[1]
		}

		routes, err := a.store.ListRoutes(ctx, repo, filter)
		if err != nil {
			return err
		}

		for _, r := range routes {
			handler := string(r.HandlerType)
			if r.Controller != "" {
				handler = r.Controller + "@" + r.Action
			}
			middleware := ""
			if len(r.Middleware) > 0 {
				middleware = " [" + strings.Join(r.Middleware, ",") + "]"
			}
			fmt.Printf("%-7s %-40s %s%s (%s:%d)\n", r.Method, r.FullURI, handler, middleware, r.SourceFile, r.StartLine)
		}
		fmt.Printf("%d routes\n", len(routes))
		return nil
	},
}

var symbolsCmd = &cobra.Command{
	Use:   "symbols <owner/name> <query>",
	Short: "Search indexed symbols with the trigram metric",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := parseRepoArg(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		hits, err := a.store.TrigramSearch(ctx, repo, args[1], cfg.Retriever.TrigramK)
		if err != nil {
			return err
		}

		for _, hit := range hits {
			fmt.Printf("%.3f %-10s %-50s %s:%d-%d\n",
				hit.Score, hit.Symbol.Kind, hit.Symbol.QualifiedName,
				hit.Symbol.File, hit.Symbol.StartLine, hit.Symbol.EndLine)
		}
		fmt.Printf("%d symbols\n", len(hits))
		return nil
	},
}

func init() {
	routesCmd.Flags().StringVar(&routeMethodFlag, "method", "", "filter by HTTP method")
}
