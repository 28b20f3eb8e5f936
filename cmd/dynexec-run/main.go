// dynexec-run loads a graph file, feeds it zero-filled inputs and prints the
// shapes of the graph outputs.
//
// Usage:
//
//	dynexec-run -graph model.hcl -input 2,4 -input 1
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/seantiz/dynexec/internal/backend"
	"github.com/seantiz/dynexec/internal/config"
	"github.com/seantiz/dynexec/internal/device"
	"github.com/seantiz/dynexec/internal/engine"
	"github.com/seantiz/dynexec/internal/graphfile"
	"github.com/seantiz/dynexec/internal/model"
)

// exitError carries the process exit code of a failed run.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

// shapeList collects repeated -input flags.
type shapeList [][]int64

func (s *shapeList) String() string {
	parts := make([]string, len(*s))
	for i, shape := range *s {
		parts[i] = fmt.Sprint(shape)
	}
	return strings.Join(parts, " ")
}

func (s *shapeList) Set(v string) error {
	shape, err := parseShape(v)
	if err != nil {
		return err
	}
	*s = append(*s, shape)
	return nil
}

// parseShape parses "2,4" into [2 4]. An empty string is a scalar.
func parseShape(v string) ([]int64, error) {
	if strings.TrimSpace(v) == "" {
		return []int64{}, nil
	}
	var shape []int64
	for part := range strings.SplitSeq(v, ",") {
		d, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("bad dimension %q in shape %q", part, v)
		}
		shape = append(shape, d)
	}
	return shape, nil
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	fs := flag.NewFlagSet("dynexec-run", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var shapes shapeList
	graphPath := fs.String("graph", "", "Path to the HCL graph file.")
	logLevel := fs.String("log-level", "warn", "Log level: debug, info, warn or error.")
	dump := fs.Bool("dump", false, "Print a dump record per node output.")
	streams := fs.Int("streams", 2, "Number of device streams.")
	fs.Var(&shapes, "input", "Shape of the next graph input, e.g. 2,4. Repeat once per input.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return &exitError{code: 2, msg: err.Error()}
	}
	if *graphPath == "" && fs.NArg() > 0 {
		*graphPath = fs.Arg(0)
	}
	if *graphPath == "" {
		fs.Usage()
		return &exitError{code: 2, msg: "a graph file is required"}
	}

	cfg := config.Load()
	cfg.Streams = *streams
	cfg.Dump = *dump
	logger := config.NewLogger(stderr, config.ParseLogLevel(*logLevel))

	graph, err := graphfile.Load(*graphPath)
	if err != nil {
		return err
	}
	inputs, descs, err := zeroInputs(graph, shapes)
	if err != nil {
		return &exitError{code: 2, msg: err.Error()}
	}

	dev := device.New(cfg.Device(), logger)
	defer dev.Close()
	manager, err := engine.NewManager(backend.NewKernelRegistry(), nil, logger)
	if err != nil {
		return err
	}
	session, err := engine.NewSession(ctx, engine.SessionConfig{
		Manager: manager,
		Device:  dev,
		Policy:  cfg.Policy(),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer session.Close(context.WithoutCancel(ctx))

	execID := model.NewID()
	done := make(chan struct{})
	if *dump {
		records, unsub := session.Dump().Subscribe(execID)
		defer unsub()
		go func() {
			defer close(done)
			for r := range records {
				fmt.Fprintln(stdout, r)
			}
		}()
	} else {
		close(done)
	}

	res, err := session.Run(ctx, graph, inputs, descs, engine.WithExecutionID(execID))
	// Run closes the stream itself unless it failed before starting.
	session.Dump().Close(execID)
	<-done
	if err != nil {
		return err
	}
	for i, d := range res.Descs {
		fmt.Fprintf(stdout, "output %d: %s\n", i, d)
	}
	return nil
}

// zeroInputs builds zero-filled tensors for the graph's Data nodes in
// boundary order. A Data node without a matching -input keeps its declared
// shape, which then must be fully known.
func zeroInputs(g *model.GraphItem, shapes shapeList) ([]model.Tensor, []model.TensorDesc, error) {
	var data []*model.NodeItem
	for _, n := range g.Nodes {
		if n.IsData() {
			data = append(data, n)
		}
	}
	if len(shapes) > len(data) {
		return nil, nil, fmt.Errorf("got %d input shapes for %d graph inputs", len(shapes), len(data))
	}

	inputs := make([]model.Tensor, len(data))
	descs := make([]model.TensorDesc, len(data))
	for _, n := range data {
		desc := n.OutputDescs[0].Clone()
		if n.ParentIndex < len(shapes) {
			desc = model.NewDesc(desc.DType, shapes[n.ParentIndex]...)
		}
		if desc.IsUnknown() {
			return nil, nil, fmt.Errorf("input %d (%s) has unknown shape %s; pass -input", n.ParentIndex, n.Name, desc)
		}
		inputs[n.ParentIndex] = model.TensorFromBytes(make([]byte, desc.ByteSize()))
		descs[n.ParentIndex] = desc
	}
	return inputs, descs, nil
}
