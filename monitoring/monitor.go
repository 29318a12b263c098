// Package monitoring turns a recording run into a small web server so an
// operator can watch it from outside the process: current cycle and clock
// reading, task lifecycle states, failure and drop counters, and process
// resource usage.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/cuprumlab/cuprum/culog"
	"github.com/cuprumlab/cuprum/runtime"
)

// Environment variables the monitor reads at construction. A .env file in
// the working directory is loaded as fallback; the explicit environment
// always wins.
const (
	envPort        = "CUPRUM_MONITOR_PORT"
	envOpenBrowser = "CUPRUM_MONITOR_OPEN"
)

// Monitor exposes a runtime and its log pipeline over HTTP.
type Monitor struct {
	runtime  *runtime.Runtime
	pipeline *culog.Pipeline

	portNumber  int
	openBrowser bool
}

// NewMonitor creates a Monitor configured from the environment.
func NewMonitor() *Monitor {
	m := &Monitor{}
	m.loadEnvConfig()

	return m
}

func (m *Monitor) loadEnvConfig() {
	_ = godotenv.Load()

	if portStr := os.Getenv(envPort); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			fmt.Fprintf(os.Stderr,
				"Ignoring invalid %s=%q\n", envPort, portStr)
		} else {
			m.portNumber = port
		}
	}

	if openStr := os.Getenv(envOpenBrowser); openStr != "" {
		open, err := strconv.ParseBool(openStr)
		if err != nil {
			fmt.Fprintf(os.Stderr,
				"Ignoring invalid %s=%q\n", envOpenBrowser, openStr)
		} else {
			m.openBrowser = open
		}
	}
}

// WithPortNumber sets the port that the monitoring server listens on. Ports
// under 1000 are reserved; a random port is used instead.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is not allowed for the monitoring server. "+
				"Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithOpenBrowser makes StartServer open the dashboard in a local browser.
func (m *Monitor) WithOpenBrowser(open bool) *Monitor {
	m.openBrowser = open
	return m
}

// RegisterRuntime registers the runtime to be monitored.
func (m *Monitor) RegisterRuntime(r *runtime.Runtime) {
	m.runtime = r
}

// RegisterPipeline registers the log pipeline so that its queue depth shows
// up in the metrics endpoint.
func (m *Monitor) RegisterPipeline(p *culog.Pipeline) {
	m.pipeline = p
}

// StartServer starts the monitoring server in a background goroutine and
// returns the address it listens on.
func (m *Monitor) StartServer() string {
	r := mux.NewRouter()
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/cycle", m.cycle)
	r.HandleFunc("/api/tasks", m.listTasks)
	r.HandleFunc("/api/task/{name}", m.taskDetails)
	r.HandleFunc("/api/metrics", m.metrics)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	actualPort := ":0"
	if m.portNumber >= 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	addr := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring run with %s\n", addr)

	go func() {
		serveErr := http.Serve(listener, r)
		dieOnErr(serveErr)
	}()

	if m.openBrowser {
		_ = browser.OpenURL(addr)
	}

	return addr
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintf(w, "{\"now\":%d}", uint64(m.runtime.Now()))
}

func (m *Monitor) cycle(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintf(w, "{\"cycle\":%d}", m.runtime.Cycle())
}

func (m *Monitor) listTasks(w http.ResponseWriter, _ *http.Request) {
	type taskRsp struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}

	tasks := make([]taskRsp, 0)
	for _, name := range m.runtime.Graph().Names() {
		tasks = append(tasks, taskRsp{
			Name:  name,
			State: m.runtime.TaskState(name).String(),
		})
	}

	rsp, err := json.Marshal(tasks)
	dieOnErr(err)

	_, err = w.Write(rsp)
	dieOnErr(err)
}

func (m *Monitor) taskDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	task := m.runtime.Graph().Task(name)
	if task == nil {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Task not found"))
		dieOnErr(err)

		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(task)
	serializer.SetMaxDepth(1)

	err := serializer.Serialize(w)
	dieOnErr(err)
}

type metricsRsp struct {
	Cycle              uint64 `json:"cycle"`
	RecoveredFailures  uint64 `json:"recovered_failures"`
	SkippedInvocations uint64 `json:"skipped_invocations"`
	EncodingDrops      uint64 `json:"encoding_drops"`
	DroppedBatches     uint64 `json:"dropped_batches"`
	QueueDepth         int    `json:"queue_depth"`
}

func (m *Monitor) metrics(w http.ResponseWriter, _ *http.Request) {
	rsp := metricsRsp{
		Cycle:              m.runtime.Cycle(),
		RecoveredFailures:  m.runtime.RecoveredFailures(),
		SkippedInvocations: m.runtime.SkippedInvocations(),
		EncodingDrops:      m.runtime.EncodingDrops(),
		DroppedBatches:     m.runtime.DroppedBatches(),
	}

	if m.pipeline != nil {
		rsp.QueueDepth = m.pipeline.QueueDepth()
	}

	data, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(data)
	dieOnErr(err)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memoryInfo, err := proc.MemoryInfo()
	dieOnErr(err)

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	}

	data, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(data)
	dieOnErr(err)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	rsp, err := json.Marshal(prof)
	dieOnErr(err)

	_, err = w.Write(rsp)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
