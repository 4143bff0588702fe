package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/ipc"
	"github.com/jbweber/kiln/internal/loader"
)

var (
	consolePath string
	logPath     string
)

var runCmd = &cobra.Command{
	Use:   "run <vm.yaml>",
	Short: "Run a VM and stream its events until it dies",
	Long: `Create a VM from a VirtualMachineConfig file, start it, and print its
lifecycle events until it dies.

The VM lives as long as this command: interrupting it kills the VM.
A payload stdio stream, when the guest opens one, is connected to this
terminal.

Example:
  kiln run --console /tmp/console.log vm.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, cid, err := createAndStart(args[0])
		if err != nil {
			return err
		}
		defer closeClient(c)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watch(ctx, c, cid)
	},
}

var holdCmd = &cobra.Command{
	Use:   "hold <vm.yaml>",
	Short: "Start a VM that outlives this command",
	Long: `Create and start a VM, then place a debug hold on it so that it keeps
running after this command exits. Release it later with 'kiln drop <cid>'.

Requires the debug permission.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, cid, err := createAndStart(args[0])
		if err != nil {
			return err
		}
		defer closeClient(c)

		if err := c.DebugHoldRef(cid); err != nil {
			if stopErr := c.Stop(cid); stopErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to stop VM %d: %v\n", cid, stopErr)
			}
			return fmt.Errorf("failed to hold VM %d: %w", cid, err)
		}
		fmt.Printf("✓ VM %d is running and held\n", cid)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, holdCmd} {
		cmd.Flags().StringVar(&consolePath, "console", "", "File receiving the guest console")
		cmd.Flags().StringVar(&logPath, "log", "", "File receiving the guest log")
	}
}

// createAndStart creates the VM described by path on a new session and
// starts it. The session holds the VM.
func createAndStart(path string) (*ipc.Client, uint32, error) {
	cfg, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, 0, err
	}

	console, err := openOutput(consolePath)
	if err != nil {
		return nil, 0, err
	}
	defer closeIfSet(console)
	logFile, err := openOutput(logPath)
	if err != nil {
		return nil, 0, err
	}
	defer closeIfSet(logFile)

	c, err := dial()
	if err != nil {
		return nil, 0, err
	}

	cid, err := c.CreateVM(cfg, console, logFile)
	if err != nil {
		closeClient(c)
		return nil, 0, fmt.Errorf("failed to create VM: %w", err)
	}
	fmt.Printf("Created VM %q with CID %d\n", cfg.GetName(), cid)

	if err := c.RegisterCallback(cid); err != nil {
		closeClient(c)
		return nil, 0, fmt.Errorf("failed to register callback: %w", err)
	}
	if err := c.Start(cid); err != nil {
		closeClient(c)
		return nil, 0, fmt.Errorf("failed to start VM: %w", err)
	}
	return c, cid, nil
}

// watch prints events of cid until it dies or ctx ends.
func watch(ctx context.Context, c *ipc.Client, cid uint32) error {
	var exitCode int32
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "Interrupted, stopping VM %d\n", cid)
			return c.Stop(cid)

		case ev, ok := <-c.Events():
			if !ok {
				return fmt.Errorf("lost connection to kilnd")
			}
			if ev.CID != cid {
				closeFiles(ev.Files)
				continue
			}

			switch ev.Kind {
			case ipc.EventPayloadStarted:
				fmt.Println("Payload started")
			case ipc.EventPayloadReady:
				fmt.Println("Payload ready")
			case ipc.EventPayloadFinished:
				exitCode = ev.ExitCode
				fmt.Printf("Payload finished with exit code %d\n", ev.ExitCode)
			case ipc.EventError:
				fmt.Printf("Payload error %s: %s\n", ev.ErrorCode, ev.Message)
			case ipc.EventRamdump:
				fmt.Printf("VM wrote a %d byte ramdump\n", ev.Size)
			case ipc.EventStdio:
				attachStdio(ev.Files)
				continue
			case ipc.EventDied:
				closeFiles(ev.Files)
				fmt.Printf("VM %d died: %s\n", cid, ev.Reason)
				if ev.Reason != v1.DeathReasonShutdown {
					return fmt.Errorf("VM died: %s", ev.Reason)
				}
				if exitCode != 0 {
					return fmt.Errorf("payload exited with code %d", exitCode)
				}
				return nil
			}
			closeFiles(ev.Files)
		}
	}
}

// attachStdio connects the payload stdio stream to this terminal.
func attachStdio(files []*os.File) {
	if len(files) == 0 {
		return
	}
	closeFiles(files[1:])
	stream := files[0]
	go func() {
		_, _ = io.Copy(os.Stdout, stream)
	}()
	go func() {
		_, _ = io.Copy(stream, os.Stdin)
	}()
}

func openOutput(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

func closeIfSet(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
