// Command iodriver-bench drives a socketpair echo loop through one of the
// two backends so their steady-state behavior can be eyeballed and compared.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	iodriver "github.com/ehrlich-b/iodriver"
	"github.com/ehrlich-b/iodriver/internal/logging"
)

func main() {
	var (
		backendFlag = flag.String("backend", "completion", "driver backend: completion or readiness")
		rounds      = flag.Int("rounds", 100000, "number of echo round-trips to run")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.NewLogger(logConfig))

	var driver iodriver.Driver
	var err error
	switch *backendFlag {
	case "completion":
		driver, err = iodriver.NewCompletionDriver(iodriver.WithRingEntries(256))
	case "readiness":
		driver, err = iodriver.NewReadinessDriver()
	default:
		fmt.Fprintf(os.Stderr, "unknown backend %q\n", *backendFlag)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create driver: %v\n", err)
		os.Exit(1)
	}
	defer driver.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "socketpair: %v\n", err)
		os.Exit(1)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	start := time.Now()
	var completed int

	driver.With(func() {
		runEchoLoop(driver, fds[0], fds[1], *rounds, &completed)
	})

	elapsed := time.Since(start)
	denom := completed
	if denom == 0 {
		denom = 1
	}
	fmt.Printf("backend=%s rounds=%d elapsed=%s avg=%s\n",
		*backendFlag, completed, elapsed, elapsed/time.Duration(denom))
}

// inlineWaker resumes a simple round-robin generator loop: Wake just marks
// the slot ready for the driving loop to re-poll, since this benchmark has
// no real task scheduler behind it.
type inlineWaker struct {
	woken *bool
}

func (w inlineWaker) Wake() { *w.woken = true }

func runEchoLoop(driver iodriver.Driver, writeFD, readFD int, rounds int, completed *int) {
	payload := []byte("ping")
	recvBuf := make([]byte, len(payload))

	for i := 0; i < rounds; i++ {
		if err := pollToCompletion(driver, iodriver.Send(writeFD, iodriver.NewBuffer(payload))); err != nil {
			logging.Default().Error("send failed", "round", i, "error", err)
			return
		}
		if err := driver.Submit(); err != nil {
			logging.Default().Error("submit failed", "round", i, "error", err)
			return
		}
		if err := pollToCompletion(driver, iodriver.Recv(readFD, iodriver.NewBuffer(recvBuf))); err != nil {
			logging.Default().Error("recv failed", "round", i, "error", err)
			return
		}
		*completed++
	}
}

// pollToCompletion drives one operation to completion by repeatedly polling
// it, submitting and parking whenever it is not yet ready. This mirrors the
// shape of an executor's poll loop without pulling in a scheduler.
func pollToCompletion[T iodriver.Request](driver iodriver.Driver, op *iodriver.Operation[T]) error {
	defer op.Close()
	for {
		woken := false
		res, err := op.Poll(inlineWaker{woken: &woken})
		if err != nil {
			return err
		}
		if res.Ready {
			return nil
		}
		if err := driver.Submit(); err != nil {
			return err
		}
		for !woken {
			if err := driver.ParkTimeout(time.Second); err != nil {
				return err
			}
		}
	}
}
