package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/FumingPower3925/h3stream/internal/client"
	"github.com/FumingPower3925/h3stream/internal/logging"
	"github.com/spf13/cobra"
)

type requestOptions struct {
	addr    string
	method  string
	headers []string
	data    string
	repeat  int
	timeout time.Duration
	include bool
}

func newRequestCmd() *cobra.Command {
	opts := &requestOptions{}
	cmd := &cobra.Command{
		Use:   "request PATH",
		Short: "Send requests to an h3stream server and print the responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := opts.build(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg := client.DefaultConfig()
			cfg.Logger = logging.New(os.Stderr, logging.DefaultConfig(), "h3stream")
			c, err := client.Dial(ctx, opts.addr, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}
			resps, err := c.DoAll(ctx, reqs)
			if err != nil {
				return err
			}
			for _, resp := range resps {
				if err := printResponse(cmd.OutOrStdout(), resp, opts.include); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:8443", "server address")
	cmd.Flags().StringVarP(&opts.method, "method", "X", "", "request method, GET or POST with --data")
	cmd.Flags().StringArrayVarP(&opts.headers, "header", "H", nil, "request header as 'name: value'")
	cmd.Flags().StringVarP(&opts.data, "data", "d", "", "request body")
	cmd.Flags().IntVarP(&opts.repeat, "repeat", "n", 1, "number of concurrent streams carrying the request")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "time allowed for all responses")
	cmd.Flags().BoolVarP(&opts.include, "include", "i", false, "print the status line and response headers")
	return cmd
}

func (o *requestOptions) build(path string) ([]client.Request, error) {
	if o.repeat < 1 {
		return nil, fmt.Errorf("repeat must be at least 1, got %d", o.repeat)
	}
	method := o.method
	if method == "" {
		method = "GET"
		if o.data != "" {
			method = "POST"
		}
	}
	req := client.Request{Method: strings.ToUpper(method), Path: path}
	for _, h := range o.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q", h)
		}
		req.Header = append(req.Header, [2]string{strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(value)})
	}
	if o.data != "" {
		req.Body = []byte(o.data)
	}
	reqs := make([]client.Request, o.repeat)
	for i := range reqs {
		reqs[i] = req
	}
	return reqs, nil
}

func printResponse(w io.Writer, resp *client.Response, include bool) error {
	if include {
		if _, err := fmt.Fprintf(w, "stream %d: %d\n", resp.StreamID, resp.Status); err != nil {
			return err
		}
		for _, h := range resp.Header {
			if _, err := fmt.Fprintf(w, "%s: %s\n", h[0], h[1]); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	if _, err := w.Write(resp.Body); err != nil {
		return err
	}
	if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
		_, err := io.WriteString(w, "\n")
		return err
	}
	return nil
}
