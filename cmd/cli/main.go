package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"code-runner-sandbox/internal/api"
	"code-runner-sandbox/internal/config"
	"code-runner-sandbox/internal/runtime"
	"code-runner-sandbox/internal/sandbox"
	"code-runner-sandbox/internal/service"
	"code-runner-sandbox/internal/workspace"
)

var (
	serverURL string
	apiKey    string
	verbose   bool
	timeout   time.Duration
	language  string
	session   string
	folder    string
	agent     string
)

func main() {
	root := &cobra.Command{
		Use:   "code-runner",
		Short: "Run saved code files in sandbox containers",
		PersistentPreRun: func(*cobra.Command, []string) {
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(level)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL (ps, kill)")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CODE_RUNNER_API_KEY"), "API key (ps, kill)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	runCmd := &cobra.Command{
		Use:   "run <session> <file> <language>",
		Short: "Execute a file from the session's code folder",
		Args:  cobra.ExactArgs(3),
		RunE:  runRun,
	}
	runCmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (default from config)")
	root.AddCommand(runCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file <path>",
		Short: "Copy a local file into a session and execute it",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (default from config)")
	execFileCmd.Flags().StringVarP(&language, "language", "l", "", "Language (detected from extension)")
	execFileCmd.Flags().StringVarP(&session, "session", "s", "cli", "Session name")
	root.AddCommand(execFileCmd)

	extractCmd := &cobra.Command{
		Use:   "extract <session> [file]",
		Short: "Save the code blocks of a message (file or stdin) to a session",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runExtract,
	}
	extractCmd.Flags().StringVar(&agent, "agent", "assistant", "Agent that wrote the message")
	root.AddCommand(extractCmd)

	lsCmd := &cobra.Command{
		Use:   "ls <session>",
		Short: "List workspace files",
		Args:  cobra.ExactArgs(1),
		RunE:  runLs,
	}
	lsCmd.Flags().StringVar(&folder, "folder", "", "Folder (code, data, output)")
	root.AddCommand(lsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "info <session>",
		Short: "Summarize a session workspace",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	})

	psCmd := &cobra.Command{
		Use:   "ps",
		Short: "List executions running on the server",
		Args:  cobra.NoArgs,
		RunE:  runPs,
	}
	psCmd.Flags().StringVarP(&session, "session", "s", "", "Only this session")
	root.AddCommand(psCmd)

	root.AddCommand(&cobra.Command{
		Use:   "kill <id>",
		Short: "Kill a running execution by container name or execution id",
		Args:  cobra.ExactArgs(1),
		RunE:  runKill,
	})

	root.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Check the sandbox backend and runtime images",
		Args:  cobra.NoArgs,
		RunE:  runDoctor,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLocal builds an in-process service from the config file. Workspace-only
// commands never touch the launcher, so a missing backend is not fatal.
func newLocal(ctx context.Context) (*service.Service, func(), error) {
	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		return nil, nil, err
	}
	store, err := workspace.New(cfg.Workspace.Root)
	if err != nil {
		return nil, nil, err
	}
	launcher, err := sandbox.NewLauncher(ctx, cfg)
	if err != nil {
		log.Debug().Err(err).Msg("no sandbox backend, using unverified docker launcher")
		launcher, err = sandbox.NewDockerLauncher(sandbox.DockerOptions{Binary: cfg.Sandbox.DockerBinary})
		if err != nil {
			return nil, nil, err
		}
	}
	runner := sandbox.NewRunner(launcher, store, nil, sandbox.OptionsFromConfig(cfg))
	closeFn := func() {
		if err := runner.Close(); err != nil {
			log.Warn().Err(err).Msg("closing runner")
		}
	}
	return service.New(runner, store, service.Options{}), closeFn, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func runRun(_ *cobra.Command, args []string) error {
	sessionName, fileName, lang := args[0], args[1], args[2]

	ctx, cancel := signalContext()
	defer cancel()
	svc, closeFn, err := newLocal(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if _, err := svc.ReadFile(sessionName, fileName, workspace.CodeDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: file %q not found in session %q code folder\n", fileName, sessionName)
		closeFn()
		os.Exit(1)
	}

	fmt.Println(svc.ExecuteCode(ctx, fileName, sessionName, lang, timeout))
	printLatestResult(svc, sessionName)
	return nil
}

func runExecFile(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	lang := language
	if lang == "" {
		lang = string(runtime.LanguageForFile(args[0]))
		if lang == string(runtime.Text) {
			return fmt.Errorf("cannot detect language for %q, use --language", filepath.Base(args[0]))
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	svc, closeFn, err := newLocal(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	out := svc.RunCode(ctx, session, string(data), lang, filepath.Base(args[0]), timeout)
	fmt.Println(out.Markdown)
	printLatestResult(svc, session)
	if out.Result != nil && out.Result.Status != sandbox.StatusSuccess {
		closeFn()
		os.Exit(1)
	}
	return nil
}

func printLatestResult(svc *service.Service, sessionName string) {
	name, content, ok, err := svc.LatestResult(sessionName)
	if err != nil {
		log.Warn().Err(err).Msg("reading latest result")
		return
	}
	if !ok {
		return
	}
	fmt.Printf("\n--- %s ---\n%s", name, content)
	if !strings.HasSuffix(content, "\n") {
		fmt.Println()
	}
}

func runExtract(_ *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if len(args) == 2 && args[1] != "-" {
		data, err = os.ReadFile(args[1])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	svc, closeFn, err := newLocal(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	msg, err := svc.ProcessMessage(ctx, args[0], agent, string(data))
	if err != nil {
		return err
	}
	if !msg.HasCode {
		fmt.Println("No code blocks found.")
		return nil
	}
	for _, f := range msg.Saved {
		fmt.Printf("%-10s %s\n", f.Language, f.Path)
	}
	if msg.Suggestion != "" {
		fmt.Println()
		fmt.Print(msg.Suggestion)
	}
	return nil
}

func runLs(_ *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	svc, closeFn, err := newLocal(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	files, err := svc.Files(args[0], folder)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Printf("%8d  %s  %s\n", f.Size, f.Modified.Format(time.DateTime), f.RelPath)
	}
	return nil
}

func runInfo(_ *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	svc, closeFn, err := newLocal(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	info, err := svc.WorkspaceInfo(args[0])
	if err != nil {
		return err
	}
	return printJSON(info)
}

func runPs(_ *cobra.Command, _ []string) error {
	path := "/executions"
	if session != "" {
		path += "?session=" + url.QueryEscape(session)
	}
	var resp api.RunningResponse
	if _, err := call(http.MethodGet, path, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Text)
	return nil
}

func runKill(_ *cobra.Command, args []string) error {
	var resp api.KillResponse
	status, err := call(http.MethodDelete, "/executions/"+url.PathEscape(args[0]), &resp)
	if err != nil {
		return err
	}
	fmt.Println(resp.Message)
	if status != http.StatusOK {
		os.Exit(1)
	}
	return nil
}

func runDoctor(_ *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	svc, closeFn, err := newLocal(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	runner := svc.Runner()
	launcher := runner.Launcher()
	fmt.Printf("backend:   %s\n", launcher.Name())
	fmt.Printf("workspace: %s\n", svc.Store().Root())

	if err := runner.Available(ctx); err != nil {
		fmt.Printf("sandbox:   unavailable (%v)\n", err)
		return errors.New("sandbox unavailable")
	}
	fmt.Println("sandbox:   ok")

	missing := 0
	for _, image := range runner.Runtimes().Images() {
		present, err := launcher.ImagePresent(ctx, image)
		switch {
		case err != nil:
			fmt.Printf("image:     %s error (%v)\n", image, err)
			missing++
		case !present:
			fmt.Printf("image:     %s not pulled\n", image)
			missing++
		default:
			fmt.Printf("image:     %s ok\n", image)
		}
	}
	if missing > 0 {
		fmt.Printf("\n%d image(s) will be pulled on first use.\n", missing)
	}
	return nil
}

func call(method, path string, out any) (int, error) {
	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, nil)
	if err != nil {
		return 0, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, errors.New("unauthorized: set --api-key or CODE_RUNNER_API_KEY")
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}

func printJSON(v any) error {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(formatted))
	return nil
}
