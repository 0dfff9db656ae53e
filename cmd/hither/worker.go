package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/value"
)

// workerMessage mirrors pkg/parallelhandler's unexported wire struct: the
// one line of JSON a worker subprocess writes back to its parent on
// stdout.
type workerMessage struct {
	ResultRecord json.RawMessage `json:"result_record,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ConsoleLines []string        `json:"console_lines,omitempty"`
	ExitCode     int             `json:"exit_code"`
}

type jobResultEnvelope struct {
	Result value.Value `json:"result"`
}

// runWorker is the __hither_worker__ entrypoint pkg/parallelhandler
// re-execs this same binary as: read one job.Record line from stdin, run
// its function against the process's built-in registry, write exactly one
// workerMessage line to stdout.
func runWorker() {
	reader := bufio.NewReaderSize(os.Stdin, 1<<20)
	line, err := reader.ReadString('\n')
	if err != nil {
		writeWorkerError(fmt.Errorf("read job record: %w", err))
		return
	}

	rec, err := job.UnmarshalRecord([]byte(line))
	if err != nil {
		writeWorkerError(err)
		return
	}

	j, err := job.Deserialize(rec)
	if err != nil {
		writeWorkerError(err)
		return
	}

	reg := buildRegistry()
	fn, ok := reg.Lookup(j.FunctionName, j.FunctionVersion)
	if !ok || fn.Callable == nil {
		writeWorkerError(fmt.Errorf("no local callable registered for %s@%s", j.FunctionName, j.FunctionVersion))
		return
	}

	result, err := fn.Callable(j.Kwargs)
	if err != nil {
		writeWorkerResult(workerMessage{ErrorMessage: err.Error(), ExitCode: 1})
		return
	}

	payload, err := json.Marshal(jobResultEnvelope{Result: result})
	if err != nil {
		writeWorkerError(fmt.Errorf("marshal result: %w", err))
		return
	}
	writeWorkerResult(workerMessage{ResultRecord: payload, ExitCode: 0})
}

func writeWorkerError(err error) {
	writeWorkerResult(workerMessage{ErrorMessage: err.Error(), ExitCode: 1})
}

func writeWorkerResult(msg workerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hither worker: marshal result: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(append(data, '\n'))
}
