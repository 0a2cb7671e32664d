package events

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensandbox/fleetctl/internal/compute"
	"github.com/opensandbox/fleetctl/internal/fleet"
)

const (
	// StreamName is the JetStream stream holding fleet events.
	StreamName = "FLEET_EVENTS"
	// SubjectPrefix is followed by the environment name.
	SubjectPrefix = "fleet.events"
)

// Event types.
const (
	TypeRunStarted        = "run.started"
	TypeStageStarted      = "stage.started"
	TypeStageFinished     = "stage.finished"
	TypeNodeStarted       = "node.started"
	TypeNodeFinished      = "node.finished"
	TypeLaunchFinished    = "launch.finished"
	TypeConfigureFinished = "configure.finished"
	TypeRunFinished       = "run.finished"
)

// Event is the JSON payload published to NATS.
type Event struct {
	Type        string          `json:"type"`
	RunID       string          `json:"run_id,omitempty"`
	Environment string          `json:"environment,omitempty"`
	Action      fleet.Action    `json:"action,omitempty"`
	Node        string          `json:"node,omitempty"`
	Stage       *int            `json:"stage,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// jetStream is the subset of nats.JetStreamContext the publisher uses.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher is a fleet.Observer that publishes run progress to NATS
// JetStream on fleet.events.<environment>. Publish failures are logged and
// never affect the run.
type Publisher struct {
	fleet.NopObserver

	nc *nats.Conn
	js jetStream

	mu          sync.Mutex
	runID       string
	environment string
	action      fleet.Action
}

// NewPublisher connects to NATS and ensures the event stream exists.
func NewPublisher(natsURL string) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("fleetctl"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectPrefix + ".>"},
		MaxAge:   30 * 24 * time.Hour,
	})
	if err != nil {
		// Stream may already exist, that's OK
		log.Printf("events: stream setup: %v", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

func newPublisher(js jetStream) *Publisher {
	return &Publisher{js: js}
}

// Close flushes pending publishes and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Flush(); err != nil {
		log.Printf("events: flush: %v", err)
	}
	p.nc.Close()
}

// Subject returns the subject events for environment are published on.
// Characters NATS treats as token separators or wildcards are replaced.
func Subject(environment string) string {
	if environment == "" {
		environment = "none"
	}
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, environment)
	return SubjectPrefix + "." + token
}

func (p *Publisher) publish(ev Event, payload any) {
	p.mu.Lock()
	ev.RunID = p.runID
	if ev.Environment == "" {
		ev.Environment = p.environment
	}
	if ev.Action == "" {
		ev.Action = p.action
	}
	p.mu.Unlock()

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("events: encode %s payload: %v", ev.Type, err)
			return
		}
		ev.Payload = data
	}
	ev.Timestamp = time.Now().UTC()

	data, _ := json.Marshal(ev)
	if _, err := p.js.Publish(Subject(ev.Environment), data); err != nil {
		log.Printf("events: publish %s for %s: %v", ev.Type, ev.Node, err)
	}
}

func (p *Publisher) RunStarted(plan *fleet.Plan) {
	p.mu.Lock()
	p.runID = plan.RunID
	p.environment = plan.Environment
	p.action = plan.Action
	p.mu.Unlock()
	p.publish(Event{Type: TypeRunStarted}, plan)
}

func (p *Publisher) StageStarted(index int, stage fleet.Stage) {
	p.publish(Event{Type: TypeStageStarted, Stage: &index}, stageSummary(stage))
}

func (p *Publisher) StageFinished(index int, stage fleet.Stage) {
	p.publish(Event{Type: TypeStageFinished, Stage: &index}, stageSummary(stage))
}

func (p *Publisher) NodeStarted(node *compute.Node, action fleet.Action) {
	p.publish(Event{Type: TypeNodeStarted, Node: node.Label(), Action: action}, node)
}

func (p *Publisher) NodeFinished(out fleet.Outcome) {
	p.publish(Event{Type: TypeNodeFinished, Node: out.Node, Action: out.Action}, out)
}

func (p *Publisher) LaunchFinished(out fleet.LaunchOutcome) {
	p.publish(Event{Type: TypeLaunchFinished, Node: out.Request.Name, Environment: out.Request.Environment}, out)
}

func (p *Publisher) ConfigureFinished(out fleet.ConfigureOutcome) {
	p.publish(Event{Type: TypeConfigureFinished, Node: out.Node}, out)
}

func (p *Publisher) RunFinished(r *fleet.Report) {
	p.mu.Lock()
	p.runID = r.RunID
	if r.Environment != "" {
		p.environment = r.Environment
	}
	p.mu.Unlock()
	p.publish(Event{Type: TypeRunFinished}, r)
}

type stageNodes struct {
	Role  fleet.Role `json:"role"`
	Nodes []string   `json:"nodes"`
}

func stageSummary(s fleet.Stage) stageNodes {
	out := stageNodes{Role: s.Role, Nodes: make([]string, 0, len(s.Nodes))}
	for _, n := range s.Nodes {
		out.Nodes = append(out.Nodes, n.Label())
	}
	return out
}

var _ fleet.Observer = (*Publisher)(nil)
