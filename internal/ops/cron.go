package ops

import (
	"context"
	"log"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arqonbus/arqonbus/internal/commands"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

// Sender identity of cron-emitted messages.
const cronSender = "op-cron"

// EmitFunc publishes a cron-produced envelope onto the bus.
type EmitFunc func(env *protocol.Envelope)

// CronJob is one scheduled emission.
type CronJob struct {
	ID              string                 `json:"job_id"`
	Owner           string                 `json:"owner_client_id"`
	Room            string                 `json:"room"`
	Channel         string                 `json:"channel"`
	Payload         map[string]interface{} `json:"payload"`
	DelaySeconds    float64                `json:"delay_seconds"`
	IntervalSeconds float64                `json:"interval_seconds"`
	RepeatCount     int                    `json:"repeat_count"`

	cancel chan struct{}
	once   sync.Once
}

func (j *CronJob) stop() {
	j.once.Do(func() { close(j.cancel) })
}

// CronManager schedules delayed and repeating message emissions. Each
// job runs its own goroutine; emitted envelopes carry sender "op-cron"
// and {cron_job_id, iteration} metadata.
type CronManager struct {
	mu   sync.Mutex
	jobs map[string]*CronJob

	emit   EmitFunc
	wg     sync.WaitGroup
	logger *log.Logger
}

// NewCronManager creates a manager emitting through emit.
func NewCronManager(emit EmitFunc) *CronManager {
	return &CronManager{
		jobs:   make(map[string]*CronJob),
		emit:   emit,
		logger: log.New(log.Writer(), "[Cron] ", log.LstdFlags),
	}
}

// Schedule registers a job and starts its timer goroutine. A job with
// no interval fires once after the delay; with an interval it fires
// repeat_count times (repeat_count <= 0 repeats until cancelled).
func (m *CronManager) Schedule(job *CronJob) *CronJob {
	job.ID = randomID("cron")
	job.cancel = make(chan struct{})

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(job)
	m.logger.Printf("Scheduled job %s: %s:%s delay=%.1fs interval=%.1fs repeat=%d",
		job.ID, job.Room, job.Channel, job.DelaySeconds, job.IntervalSeconds, job.RepeatCount)
	return job
}

func (m *CronManager) run(job *CronJob) {
	defer m.wg.Done()
	defer m.remove(job.ID)

	if job.DelaySeconds > 0 {
		select {
		case <-time.After(time.Duration(job.DelaySeconds * float64(time.Second))):
		case <-job.cancel:
			return
		}
	}

	iteration := 1
	m.fire(job, iteration)

	if job.IntervalSeconds <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(job.IntervalSeconds * float64(time.Second)))
	defer ticker.Stop()
	for {
		if job.RepeatCount > 0 && iteration >= job.RepeatCount {
			return
		}
		select {
		case <-ticker.C:
			iteration++
			m.fire(job, iteration)
		case <-job.cancel:
			return
		}
	}
}

func (m *CronManager) fire(job *CronJob, iteration int) {
	env := protocol.NewMessage(cronSender, job.Room, job.Channel, job.Payload)
	env.SetMeta("cron_job_id", job.ID)
	env.SetMeta("iteration", iteration)
	m.emit(env)
}

func (m *CronManager) remove(jobID string) {
	m.mu.Lock()
	delete(m.jobs, jobID)
	m.mu.Unlock()
}

// Cancel stops a job. Only the owner may cancel it. Returns
// (found, cancelled).
func (m *CronManager) Cancel(jobID, requesterID string) (bool, bool) {
	m.mu.Lock()
	job, found := m.jobs[jobID]
	m.mu.Unlock()
	if !found {
		return false, false
	}
	if job.Owner != requesterID {
		return true, false
	}
	job.stop()
	m.logger.Printf("Cancelled job %s", jobID)
	return true, true
}

// ListByOwner returns the requester's live jobs sorted by id.
func (m *CronManager) ListByOwner(owner string) []*CronJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*CronJob
	for _, job := range m.jobs {
		if job.Owner == owner {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CancelByOwner stops all jobs of a disconnecting client.
func (m *CronManager) CancelByOwner(owner string) int {
	m.mu.Lock()
	var stopping []*CronJob
	for _, job := range m.jobs {
		if job.Owner == owner {
			stopping = append(stopping, job)
		}
	}
	m.mu.Unlock()

	for _, job := range stopping {
		job.stop()
	}
	return len(stopping)
}

// Shutdown cancels everything and waits for the job goroutines, bounded
// by the context deadline.
func (m *CronManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	for _, job := range m.jobs {
		job.stop()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Cron task cleanup failed during shutdown", "error", ctx.Err())
	}
}

// RegisterCronCommands installs the op.cron.* commands.
func RegisterCronCommands(registry *commands.Registry, manager *CronManager) {
	registry.Register(&commands.Spec{
		Name:         "op.cron.schedule",
		Capability:   "op.cron.schedule",
		RequiredArgs: []string{"room", "channel"},
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			room, cmdErr := inv.StringArg("room")
			if cmdErr != nil {
				return nil, cmdErr
			}
			channel, cmdErr := inv.StringArg("channel")
			if cmdErr != nil {
				return nil, cmdErr
			}
			payload, _ := inv.Args["payload"].(map[string]interface{})

			job := &CronJob{
				Owner:           inv.Client.ID,
				Room:            room,
				Channel:         channel,
				Payload:         payload,
				DelaySeconds:    floatArg(inv.Args, "delay_seconds"),
				IntervalSeconds: floatArg(inv.Args, "interval_seconds"),
				RepeatCount:     int(floatArg(inv.Args, "repeat_count")),
			}
			if job.DelaySeconds < 0 || job.IntervalSeconds < 0 {
				return nil, commands.Validationf("delay_seconds and interval_seconds must be non-negative")
			}
			manager.Schedule(job)
			return map[string]interface{}{"job_id": job.ID, "scheduled": true}, nil
		},
	})
	registry.Register(&commands.Spec{
		Name:         "op.cron.cancel",
		Capability:   "op.cron.cancel",
		RequiredArgs: []string{"job_id"},
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			jobID, cmdErr := inv.StringArg("job_id")
			if cmdErr != nil {
				return nil, cmdErr
			}
			found, cancelled := manager.Cancel(jobID, inv.Client.ID)
			if !found {
				return nil, commands.Validationf("unknown job: %s", jobID)
			}
			if !cancelled {
				return nil, commands.Authorizationf("job %s belongs to another client", jobID)
			}
			return map[string]interface{}{"cancelled": true, "job_id": jobID}, nil
		},
	})
	registry.Register(&commands.Spec{
		Name:       "op.cron.list",
		Capability: "op.cron.list",
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			jobs := manager.ListByOwner(inv.Client.ID)
			return map[string]interface{}{"jobs": jobs, "count": len(jobs)}, nil
		},
	})
}

func floatArg(args map[string]interface{}, name string) float64 {
	switch v := args[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
