package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/doppkit/internal/utils"
)

type FunctionOutput struct {
	ID          int
	Name        string
	Source      string
	Status      string
	Message     string
	StreamLines []string
	Current     int64
	Total       int64
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
	Index       int
	Transfer    bool // created through the progress sink rather than as a job
}

type ErrorReport struct {
	FunctionName string
	Error        error
	Time         time.Time
}

// Manager renders jobs and byte transfers as a live list. It doubles as the
// progress sink for the transfer engine: each (name, source) pair becomes
// one entry with a progress bar.
type Manager struct {
	outputs       map[int]*FunctionOutput
	tasks         map[string]int // open transfer tasks by (name, source)
	mutex         sync.RWMutex
	out           io.Writer
	numLines      int
	maxStreams    int
	errors        []ErrorReport
	doneCh        chan struct{}
	displayTick   time.Duration
	functionCount int
	displayWg     sync.WaitGroup
}

func NewManager() *Manager {
	return &Manager{
		outputs:     make(map[int]*FunctionOutput),
		tasks:       make(map[string]int),
		out:         os.Stdout,
		maxStreams:  10,
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
	}
}

func (m *Manager) SetOutput(w io.Writer) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.out = w
}

func (m *Manager) register(name, source string) *FunctionOutput {
	m.functionCount++
	info := &FunctionOutput{
		ID:          m.functionCount,
		Name:        name,
		Source:      source,
		Status:      "pending",
		StreamLines: []string{},
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
		Index:       m.functionCount,
	}
	m.outputs[info.ID] = info
	return info
}

func (m *Manager) RegisterFunction(name string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.register(name, name).ID
}

func (m *Manager) SetMessage(id int, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.Message = message
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) SetStatus(id int, status string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.Status = status
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) GetStatus(id int) string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if info, exists := m.outputs[id]; exists {
		return info.Status
	}
	return "unknown"
}

func (m *Manager) Complete(id int, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		m.complete(info, message)
	}
}

func (m *Manager) complete(info *FunctionOutput, message string) {
	info.StreamLines = []string{}
	if message == "" {
		info.Message = fmt.Sprintf("Completed %s", info.Name)
	} else {
		info.Message = message
	}
	info.Complete = true
	info.Status = "success"
	info.LastUpdated = time.Now()
}

func (m *Manager) ReportError(id int, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.Complete = true
		info.Status = "error"
		info.Error = err
		info.Message = fmt.Sprintf("Failed %s", info.Name)
		info.LastUpdated = time.Now()
		m.errors = append(m.errors, ErrorReport{
			FunctionName: info.Name,
			Error:        err,
			Time:         time.Now(),
		})
	}
}

func (m *Manager) AddStreamLine(id int, line string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.StreamLines = append(info.StreamLines, wrapText(line, 2+4)...)
		if len(info.StreamLines) > m.maxStreams {
			info.StreamLines = info.StreamLines[len(info.StreamLines)-m.maxStreams:]
		}
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) setProgress(info *FunctionOutput, current, total int64, text string) {
	info.Current = max(0, current)
	info.Total = total
	bar := ProgressBar(info.Current, total, 30)
	elapsed := time.Since(info.StartTime).Seconds()
	display := fmt.Sprintf("%s%s %s %s", bar, debugStyle.Render(text), StyleSymbols["bullet"], debugStyle.Render(FormatSpeed(info.Current, elapsed)))
	info.StreamLines = []string{display}
	info.LastUpdated = time.Now()
}

func taskKey(name, source string) string {
	return name + "\x00" + source
}

func (m *Manager) CreateTask(name, source string, total int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	key := taskKey(name, source)
	if _, open := m.tasks[key]; open {
		return
	}
	info := m.register(name, source)
	info.Total = total
	info.Transfer = true
	info.Status = "active"
	info.Message = fmt.Sprintf("Transferring %s", name)
	m.tasks[key] = info.ID
}

func (m *Manager) Update(name, source string, completed int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	id, open := m.tasks[taskKey(name, source)]
	if !open {
		return
	}
	info := m.outputs[id]
	if completed < info.Current {
		return
	}
	text := utils.FormatBytes(uint64(completed))
	if info.Total > 0 {
		text += " / " + utils.FormatBytes(uint64(info.Total))
	}
	m.setProgress(info, completed, info.Total, text)
}

func (m *Manager) CompleteTask(name, source string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	key := taskKey(name, source)
	id, open := m.tasks[key]
	if !open {
		return
	}
	delete(m.tasks, key)
	info := m.outputs[id]
	m.complete(info, fmt.Sprintf("Finished %s (%s)", name, utils.FormatBytes(uint64(info.Current))))
}

// Task returns a copy of the most recent entry for (name, source).
func (m *Manager) Task(name, source string) (FunctionOutput, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var found *FunctionOutput
	for _, info := range m.outputs {
		if info.Name == name && info.Source == source && (found == nil || info.Index > found.Index) {
			found = info
		}
	}
	if found == nil {
		return FunctionOutput{}, false
	}
	return *found, true
}

func (m *Manager) ClearAll() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, info := range m.outputs {
		info.StreamLines = []string{}
	}
}

func (m *Manager) GetStatusIndicator(status string) string {
	switch status {
	case "success", "pass":
		return successStyle.Render(StyleSymbols["pass"])
	case "error", "fail":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["arrow"])
	}
}

func styleMessage(status, message string) string {
	switch status {
	case "success":
		return successStyle.Render(message)
	case "error":
		return errorStyle.Render(message)
	case "warning":
		return warningStyle.Render(message)
	default:
		return pendingStyle.Render(message)
	}
}

func (m *Manager) sortFunctions() (active, pending, completed []*FunctionOutput) {
	all := make([]*FunctionOutput, 0, len(m.outputs))
	for _, info := range m.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Index < all[j].Index
	})
	for _, f := range all {
		if f.Complete {
			completed = append(completed, f)
		} else if f.Status == "pending" && f.Message == "" {
			pending = append(pending, f)
		} else {
			active = append(active, f)
		}
	}
	return active, pending, completed
}

func (m *Manager) printEntry(info *FunctionOutput, elapsed time.Duration, lineCount *int, available int) {
	indent := strings.Repeat(" ", 2)
	fmt.Fprintf(m.out, "%s%s %s %s\n", indent, m.GetStatusIndicator(info.Status), debugStyle.Render(elapsed.String()), styleMessage(info.Status, info.Message))
	*lineCount++
	for _, line := range info.StreamLines {
		if *lineCount >= available {
			return
		}
		fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), streamStyle.Render(line))
		*lineCount++
	}
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	availableLines := getTerminalHeight() - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}

	lineCount := 0
	activeFuncs, pendingFuncs, completedFuncs := m.sortFunctions()

	totalNeeded := len(completedFuncs)
	for _, f := range activeFuncs {
		totalNeeded += 1 + len(f.StreamLines)
	}
	totalNeeded += len(pendingFuncs)
	if totalNeeded > availableLines {
		maxCompleted := max(0, availableLines-(totalNeeded-len(completedFuncs)))
		if len(completedFuncs) > maxCompleted {
			completedFuncs = completedFuncs[len(completedFuncs)-maxCompleted:]
		}
	}

	for _, f := range activeFuncs {
		if lineCount >= availableLines {
			break
		}
		m.printEntry(f, time.Since(f.StartTime).Round(time.Second), &lineCount, availableLines)
	}
	for _, f := range pendingFuncs {
		if lineCount >= availableLines {
			break
		}
		fmt.Fprintf(m.out, "%s%s %s\n", strings.Repeat(" ", 2), m.GetStatusIndicator(f.Status), pendingStyle.Render("Waiting..."))
		lineCount++
	}
	if len(completedFuncs) > 10 && lineCount < availableLines {
		fmt.Fprintln(m.out, infoStyle.Render(fmt.Sprintf("%s%d transfers completed with varying hidden status ...", strings.Repeat(" ", 2), len(completedFuncs)-8)))
		completedFuncs = completedFuncs[len(completedFuncs)-8:]
		lineCount++
	}
	for _, f := range completedFuncs {
		if lineCount >= availableLines {
			break
		}
		m.printEntry(f, f.LastUpdated.Sub(f.StartTime).Round(time.Second), &lineCount, availableLines)
	}
	m.numLines = lineCount
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.ClearAll()
				m.updateDisplay()
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	for i, err := range m.errors {
		fmt.Fprintf(m.out, "%s%s %s %s\n",
			strings.Repeat(" ", 2+2),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", err.Time.Format("15:04:05"))),
			errorStyle.Render(err.FunctionName))
		fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), errorStyle.Render(fmt.Sprintf("Error: %v", err.Error)))
	}
}

// Summary counts finished entries by outcome. When jobs are registered the
// transfers they drive are not counted again.
func (m *Manager) Summary() (succeeded, failed, total int) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	hasJobs := false
	for _, info := range m.outputs {
		if !info.Transfer {
			hasJobs = true
			break
		}
	}
	for _, info := range m.outputs {
		if hasJobs && info.Transfer {
			continue
		}
		total++
		switch info.Status {
		case "success":
			succeeded++
		case "error":
			failed++
		}
	}
	return succeeded, failed, total
}

func (m *Manager) ShowSummary() {
	succeeded, failed, total := m.Summary()
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+success2Style.Render(fmt.Sprintf("Completed %d of %d", succeeded, total)))
	if failed > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, total)))
	}
	m.displayErrors()
	fmt.Fprintln(m.out)
}
