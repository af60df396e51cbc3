// filingctl talks to a running filing analyst: it streams an analysis to
// the terminal, lists cached filings and seals download credentials for
// the server config.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/download"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/secrets"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/stream"
)

const defaultServer = "http://localhost:8080"

var errAnalysisFailed = errors.New("analysis failed")

var httpClient = &http.Client{}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errAnalysisFailed) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errors.New("missing command")
	}
	switch args[0] {
	case "analyze":
		return runAnalyze(ctx, args[1:], stdout, stderr)
	case "filings":
		return runFilings(ctx, args[1:], stdout)
	case "seal":
		return runSeal(args[1:], stdin, stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	}
	printUsage(stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: filingctl <command> [flags]

Commands:
  analyze   stream a filing analysis from the server
  filings   list cached filings and in-flight fetches
  seal      seal a download token or cookie with SECRETS_KEY
`)
}

func runAnalyze(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		server string
		req    filing.Request
		period int
		raw    bool
	)
	flags := pflag.NewFlagSet("analyze", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&server, "server", envOr("FILING_ANALYST_URL", defaultServer), "filing analyst base URL")
	flags.StringVarP(&req.ExchangeCode, "exchange", "e", "", "exchange code: SH, SZ or BJ")
	flags.StringVarP(&req.StockCode, "stock", "s", "", "six digit stock code")
	flags.IntVarP(&req.FiscalYear, "year", "y", time.Now().Year(), "fiscal year")
	flags.IntVarP(&period, "period", "p", int(filing.PeriodAnnual), "period type: 1 Q1, 2 H1, 3 Q3, 4 annual")
	flags.StringVar(&req.CompanyName, "company", "", "company name, informational")
	flags.BoolVar(&raw, "raw", false, "print frames as received JSON")
	if err := flags.Parse(args); err != nil {
		return err
	}
	req.PeriodType = filing.PeriodType(period)
	if err := req.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/analyze", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return printFrames(resp.Body, stdout, stderr, raw)
}

// printFrames renders an analysis stream. Analysis text goes to stdout as
// it arrives; progress and the final summary go to stderr.
func printFrames(body io.Reader, stdout, stderr io.Writer, raw bool) error {
	out := bufio.NewWriter(stdout)
	defer out.Flush()

	scanner := stream.NewScanner(body)
	for scanner.Next() {
		payload := []byte(scanner.Event().Data)
		frame, err := stream.DecodeFrame(payload)
		if err != nil {
			return err
		}
		if raw {
			fmt.Fprintf(out, "%s\n", payload)
			out.Flush()
		}
		switch frame.Status {
		case stream.StatusProgress:
			if !raw {
				fmt.Fprintf(stderr, "[%s] %s\n", frame.Step, frame.Message)
			}
		case stream.StatusAnalyzing:
			if !raw {
				text, _ := frame.Data.(string)
				fmt.Fprint(out, text)
				out.Flush()
			}
		case stream.StatusComplete:
			if !raw {
				summary, _ := json.MarshalIndent(frame.Data, "", "  ")
				fmt.Fprintf(out, "\n")
				fmt.Fprintf(stderr, "%s\n%s\n", frame.Message, summary)
			}
			return nil
		case stream.StatusError:
			if !raw {
				fmt.Fprintf(stderr, "error: %s\n", frame.Message)
			}
			return errAnalysisFailed
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return stream.ErrStreamClosed
}

type filingsResponse struct {
	Filings []filing.CachedFiling `json:"filings"`
	InFlight []struct {
		Fingerprint string    `json:"fingerprint"`
		Status      string    `json:"status"`
		Waiters     int       `json:"waiters"`
		StartedAt   time.Time `json:"started_at"`
	} `json:"in_flight"`
}

func runFilings(ctx context.Context, args []string, stdout io.Writer) error {
	var server string
	flags := pflag.NewFlagSet("filings", pflag.ContinueOnError)
	flags.StringVar(&server, "server", envOr("FILING_ANALYST_URL", defaultServer), "filing analyst base URL")
	if err := flags.Parse(args); err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/filings", nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	var payload filingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode filings: %w", err)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tRETRIEVED\tTITLE\tARTIFACT")
	for _, record := range payload.Filings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", record.Fingerprint.Key(), record.RetrievedAt.Format(time.RFC3339), record.Source.Title, record.ArtifactPath)
	}
	for _, task := range payload.InFlight {
		fmt.Fprintf(tw, "%s\t(%s, %d waiting)\t\t\n", task.Fingerprint, task.Status, task.Waiters)
	}
	return tw.Flush()
}

func runSeal(args []string, stdin io.Reader, stdout io.Writer) error {
	var key string
	flags := pflag.NewFlagSet("seal", pflag.ContinueOnError)
	flags.StringVar(&key, "key", os.Getenv("SECRETS_KEY"), "secrets key, 32 bytes raw or base64")
	if err := flags.Parse(args); err != nil {
		return err
	}
	parsed, err := secrets.ParseKey(key)
	if err != nil {
		return err
	}

	var token string
	if rest := flags.Args(); len(rest) > 0 {
		token = rest[0]
	} else {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		token = strings.TrimSpace(line)
	}
	if token == "" {
		return errors.New("nothing to seal")
	}

	sealed, err := download.SealToken(parsed, token)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, sealed)
	return err
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
