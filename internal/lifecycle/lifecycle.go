// Package lifecycle coordinates VM operations end to end: authorization,
// quota reservation, placement, the agent command, and state reconciliation.
// The coordinator is the only writer of VM state; the channel hub feeds it
// agent events and the web layer calls its operations.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/samcat116/strato/internal/authz"
	"github.com/samcat116/strato/internal/channel"
	"github.com/samcat116/strato/internal/clock"
	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/events"
	"github.com/samcat116/strato/internal/ledger"
	"github.com/samcat116/strato/internal/metrics"
	"github.com/samcat116/strato/internal/scheduler"
	"github.com/samcat116/strato/internal/strerr"
)

// Store is the persistence the coordinator needs.
type Store interface {
	SaveVM(core.VM) error
	GetVM(id string) (core.VM, error)
	ListVMs() ([]core.VM, error)
	ListVMsByProject(projectID string) ([]core.VM, error)
	GetProject(id string) (core.Project, error)
}

// Authorizer answers permission checks. Denials and oracle failures are both
// errors; the oracle failing never grants access.
type Authorizer interface {
	Check(ctx context.Context, subject, permission, resource string) error
}

// Channel sends correlated commands to agents.
type Channel interface {
	Request(ctx context.Context, agentID string, cmd channel.CommandPayload, timeout time.Duration) (channel.ReplyPayload, error)
	Connected(agentID string) bool
}

// Registry tracks fleet capacity for placement and holds.
type Registry interface {
	Snapshot() []core.Agent
	Reserve(agentID string, res core.Resources) error
	Release(agentID string, res core.Resources)
}

// Config tunes the coordinator.
type Config struct {
	// CommitOnReserve charges quota at reservation time instead of when the
	// VM reaches running.
	CommitOnReserve bool
	// ScheduleRetries bounds fresh-snapshot retries when a registry hold
	// fails under contention.
	ScheduleRetries int
	// CommandTimeout is the per-request wait for an agent reply.
	CommandTimeout time.Duration
}

// CreateRequest describes a VM to create. An empty Environment means the
// project's default; an empty Strategy means the configured default.
type CreateRequest struct {
	Name         string
	ProjectID    string
	Environment  string
	Spec         core.Resources
	Capabilities []string
	Strategy     string
}

// Coordinator owns the cross-cutting contracts of every VM operation.
type Coordinator struct {
	store  Store
	authz  Authorizer
	ledger *ledger.Ledger
	sched  *scheduler.Scheduler
	reg    Registry
	ch     Channel
	bus    *events.Bus
	clk    clock.Clock
	log    *slog.Logger
	cfg    Config
}

// New builds a Coordinator. Wire it to the channel hub with
// hub.SetEventHandler(c.HandleAgentEvent) before agents connect.
func New(st Store, az Authorizer, led *ledger.Ledger, sched *scheduler.Scheduler,
	reg Registry, ch Channel, bus *events.Bus, clk clock.Clock,
	log *slog.Logger, cfg Config) *Coordinator {
	if cfg.ScheduleRetries < 1 {
		cfg.ScheduleRetries = 3
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	return &Coordinator{
		store:  st,
		authz:  az,
		ledger: led,
		sched:  sched,
		reg:    reg,
		ch:     ch,
		bus:    bus,
		clk:    clk,
		log:    log.With("component", "lifecycle"),
		cfg:    cfg,
	}
}

// Create provisions a VM: permission check, quota reservation, placement,
// persist, then the create command to the chosen agent. Every failure after
// the reservation compensates in reverse order and surfaces a typed error;
// a VM that reached an agent but failed there is kept as a failed record.
func (c *Coordinator) Create(ctx context.Context, callerID string, req CreateRequest) (core.VM, error) {
	vm, err := c.create(ctx, callerID, req)
	outcome := "ok"
	if err != nil {
		outcome = string(strerr.KindOf(err))
	}
	metrics.LifecycleOps.WithLabelValues("create", outcome).Inc()
	return vm, err
}

func (c *Coordinator) create(ctx context.Context, callerID string, req CreateRequest) (core.VM, error) {
	if err := c.authz.Check(ctx, authz.UserRef(callerID), authz.PermCreateResources, authz.ResourceRef("project", req.ProjectID)); err != nil {
		return core.VM{}, err
	}

	project, err := c.store.GetProject(req.ProjectID)
	if err != nil {
		return core.VM{}, strerr.New(strerr.KindNotFound, "project %s not found", req.ProjectID)
	}
	env := req.Environment
	if env == "" {
		env = project.DefaultEnvironment
	}
	if !project.HasEnvironment(env) {
		return core.VM{}, strerr.New(strerr.KindBadRequest, "project %s has no environment %q", project.ID, env)
	}
	if req.Spec.CPU <= 0 || req.Spec.Memory <= 0 || req.Spec.Disk <= 0 {
		return core.VM{}, strerr.New(strerr.KindBadRequest, "vm spec must be positive in every dimension")
	}

	res, err := c.ledger.Reserve(project.ID, env, req.Spec)
	if err != nil {
		return core.VM{}, err
	}

	now := c.clk.Now().UTC()
	vm := core.VM{
		ID:            uuid.NewString(),
		Name:          req.Name,
		OwnerID:       callerID,
		ProjectID:     project.ID,
		Environment:   env,
		Spec:          req.Spec,
		Capabilities:  req.Capabilities,
		State:         core.VMPending,
		ReservationID: res.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.ledger.Bind(res.ID, vm.ID); err != nil {
		c.releaseLedger(res.ID)
		return core.VM{}, err
	}

	agentID, err := c.place(req.Strategy, vm)
	if err != nil {
		c.releaseLedger(res.ID)
		return core.VM{}, err
	}

	vm.AssignedAgent = agentID
	vm.State = core.VMScheduled
	vm.ScheduledAt = now
	vm.UpdatedAt = now
	if err := c.store.SaveVM(vm); err != nil {
		c.reg.Release(agentID, vm.Spec)
		c.releaseLedger(res.ID)
		return core.VM{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save vm")
	}
	c.publish(events.EventVMScheduled, vm, "")
	c.refreshGauges()

	if c.cfg.CommitOnReserve {
		if err := c.ledger.Commit(res.ID); err != nil {
			c.log.Error("commit reservation", "reservation", res.ID, "error", err)
		}
	}

	reply, err := c.ch.Request(ctx, agentID, channel.CommandPayload{
		Op:   channel.OpCreateVM,
		VMID: vm.ID,
		VM:   &vm,
	}, c.cfg.CommandTimeout)
	if err != nil {
		c.failVM(&vm, err)
		return vm, err
	}
	_ = reply

	if err := c.transition(&vm, core.VMStarting); err != nil {
		return vm, err
	}
	c.log.Info("vm created", "vm", vm.ID, "project", project.ID, "agent", agentID)
	return vm, nil
}

// place picks an agent and confirms the choice with a registry hold,
// retrying on stale-snapshot contention up to the configured budget.
func (c *Coordinator) place(strategy string, vm core.VM) (string, error) {
	for attempt := 0; attempt < c.cfg.ScheduleRetries; attempt++ {
		snapshot := c.reg.Snapshot()

		var agentID string
		var err error
		if strategy != "" {
			agentID, err = c.sched.PickWith(strategy, snapshot, vm)
		} else {
			agentID, err = c.sched.Pick(snapshot, vm)
		}
		if err != nil {
			return "", err
		}

		if err := c.reg.Reserve(agentID, vm.Spec); err == nil {
			return agentID, nil
		}
		// The snapshot went stale between selection and the hold; another
		// placement won the capacity. Take a fresh snapshot and retry.
		c.log.Debug("placement contention", "vm", vm.ID, "agent", agentID, "attempt", attempt+1)
	}
	return "", strerr.New(strerr.KindSchedulingContention,
		"placement for vm %s lost the capacity race %d times", vm.ID, c.cfg.ScheduleRetries)
}

// Start boots a stopped VM. Stopped VMs hold no reservation, so starting
// re-reserves quota and agent capacity before the command goes out.
func (c *Coordinator) Start(ctx context.Context, callerID, vmID string) (core.VM, error) {
	vm, err := c.controlOp(ctx, callerID, vmID, channel.OpStartVM)
	c.countOp("start", err)
	return vm, err
}

// Stop shuts a running VM down. Capacity is returned when the agent reports
// the VM stopped, not at command time.
func (c *Coordinator) Stop(ctx context.Context, callerID, vmID string) (core.VM, error) {
	vm, err := c.controlOp(ctx, callerID, vmID, channel.OpStopVM)
	c.countOp("stop", err)
	return vm, err
}

// Restart restarts a running VM in place. State stays running; the agent
// reports failures as events.
func (c *Coordinator) Restart(ctx context.Context, callerID, vmID string) (core.VM, error) {
	vm, err := c.controlOp(ctx, callerID, vmID, channel.OpRestartVM)
	c.countOp("restart", err)
	return vm, err
}

func (c *Coordinator) countOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(strerr.KindOf(err))
	}
	metrics.LifecycleOps.WithLabelValues(op, outcome).Inc()
}

func (c *Coordinator) controlOp(ctx context.Context, callerID, vmID, op string) (core.VM, error) {
	vm, err := c.store.GetVM(vmID)
	if err != nil {
		return core.VM{}, strerr.New(strerr.KindNotFound, "vm %s not found", vmID)
	}
	// Each control verb is its own oracle permission.
	var perm string
	var target core.VMState
	switch op {
	case channel.OpStartVM:
		perm = authz.PermStartVM
		target = core.VMStarting
	case channel.OpStopVM:
		perm = authz.PermStopVM
		target = core.VMStopping
	case channel.OpRestartVM:
		perm = authz.PermRestartVM
	default:
		return vm, strerr.New(strerr.KindBadRequest, "unknown operation %q", op)
	}
	if err := c.authz.Check(ctx, authz.UserRef(callerID), perm, authz.ResourceRef("vm", vm.ID)); err != nil {
		return vm, err
	}

	// Validate the transition before touching remote state. An in-place
	// restart has no target state: the VM must be running and stays running.
	if op == channel.OpRestartVM && vm.State != core.VMRunning {
		return vm, strerr.New(strerr.KindInvalidStateTransition,
			"vm %s is %s; only a running vm can restart", vm.ID, vm.State)
	}
	if target != "" && !vm.State.CanTransition(target) {
		return vm, strerr.New(strerr.KindInvalidStateTransition,
			"vm %s cannot go from %s to %s", vm.ID, vm.State, target)
	}
	if vm.AssignedAgent == "" {
		return vm, strerr.New(strerr.KindConflict, "vm %s has no assigned agent", vm.ID)
	}

	// A start from stopped reacquires the holds that were returned at stop.
	reacquired := false
	if op == channel.OpStartVM && !vm.State.HoldsReservation() {
		res, err := c.ledger.Reserve(vm.ProjectID, vm.Environment, vm.Spec)
		if err != nil {
			return vm, err
		}
		if err := c.ledger.Bind(res.ID, vm.ID); err != nil {
			c.releaseLedger(res.ID)
			return vm, err
		}
		if err := c.reg.Reserve(vm.AssignedAgent, vm.Spec); err != nil {
			c.releaseLedger(res.ID)
			return vm, err
		}
		vm.ReservationID = res.ID
		reacquired = true
		if c.cfg.CommitOnReserve {
			if err := c.ledger.Commit(res.ID); err != nil {
				c.log.Error("commit reservation", "reservation", res.ID, "error", err)
			}
		}
	}

	if _, err := c.ch.Request(ctx, vm.AssignedAgent, channel.CommandPayload{Op: op, VMID: vm.ID}, c.cfg.CommandTimeout); err != nil {
		if reacquired {
			c.reg.Release(vm.AssignedAgent, vm.Spec)
			c.releaseLedger(vm.ReservationID)
		}
		return vm, err
	}

	if target != "" {
		if err := c.transition(&vm, target); err != nil {
			return vm, err
		}
	}
	return vm, nil
}

// Delete removes a VM. Running VMs must stop first; the agent is told to
// tear the VM down unless it never reached one or already reported failure.
func (c *Coordinator) Delete(ctx context.Context, callerID, vmID string) error {
	err := c.delete(ctx, callerID, vmID)
	c.countOp("delete", err)
	return err
}

func (c *Coordinator) delete(ctx context.Context, callerID, vmID string) error {
	vm, err := c.store.GetVM(vmID)
	if err != nil {
		return strerr.New(strerr.KindNotFound, "vm %s not found", vmID)
	}
	if err := c.authz.Check(ctx, authz.UserRef(callerID), authz.PermDeleteVM, authz.ResourceRef("vm", vm.ID)); err != nil {
		return err
	}
	if !vm.State.CanTransition(core.VMDeleted) {
		return strerr.New(strerr.KindInvalidStateTransition,
			"vm %s is %s; stop it before deleting", vm.ID, vm.State)
	}

	// Failed VMs were already torn down agent-side; pending ones never
	// reached an agent.
	needsCommand := vm.AssignedAgent != "" && vm.State != core.VMFailed && vm.State != core.VMPending
	if needsCommand {
		if _, err := c.ch.Request(ctx, vm.AssignedAgent, channel.CommandPayload{
			Op:   channel.OpDeleteVM,
			VMID: vm.ID,
		}, c.cfg.CommandTimeout); err != nil {
			return err
		}
	}

	if vm.State.HoldsReservation() {
		c.reg.Release(vm.AssignedAgent, vm.Spec)
	}
	if vm.ReservationID != "" {
		c.releaseLedger(vm.ReservationID)
	}
	return c.transition(&vm, core.VMDeleted)
}

// Get returns one VM after a view permission check.
func (c *Coordinator) Get(ctx context.Context, callerID, vmID string) (core.VM, error) {
	vm, err := c.store.GetVM(vmID)
	if err != nil {
		return core.VM{}, strerr.New(strerr.KindNotFound, "vm %s not found", vmID)
	}
	if err := c.authz.Check(ctx, authz.UserRef(callerID), authz.PermReadVM, authz.ResourceRef("vm", vm.ID)); err != nil {
		return core.VM{}, err
	}
	return vm, nil
}

// ListByProject returns a project's VMs after a view permission check on the
// project.
func (c *Coordinator) ListByProject(ctx context.Context, callerID, projectID string) ([]core.VM, error) {
	if err := c.authz.Check(ctx, authz.UserRef(callerID), authz.PermViewProject, authz.ResourceRef("project", projectID)); err != nil {
		return nil, err
	}
	vms, err := c.store.ListVMsByProject(projectID)
	if err != nil {
		return nil, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list vms")
	}
	return vms, nil
}

// HandleAgentEvent applies an asynchronous agent report to VM state. Install
// it as the channel hub's event handler.
func (c *Coordinator) HandleAgentEvent(agentID string, ev channel.EventPayload) {
	vm, err := c.store.GetVM(ev.VMID)
	if err != nil {
		c.log.Warn("event for unknown vm", "agent", agentID, "vm", ev.VMID, "kind", ev.Kind)
		return
	}
	if vm.AssignedAgent != agentID {
		c.log.Warn("event from wrong agent", "agent", agentID, "vm", ev.VMID, "assigned", vm.AssignedAgent)
		return
	}

	switch ev.Kind {
	case channel.EventVMRunning:
		if !vm.State.CanTransition(core.VMRunning) {
			c.log.Warn("running event in state", "vm", vm.ID, "state", vm.State)
			return
		}
		if err := c.transition(&vm, core.VMRunning); err != nil {
			c.log.Error("apply running event", "vm", vm.ID, "error", err)
			return
		}
		// Commit-on-running: quota becomes durable once the VM is up.
		if !c.cfg.CommitOnReserve && vm.ReservationID != "" {
			if err := c.ledger.Commit(vm.ReservationID); err != nil {
				c.log.Error("commit reservation", "reservation", vm.ReservationID, "error", err)
			}
		}

	case channel.EventVMStopped:
		if !vm.State.CanTransition(core.VMStopped) {
			c.log.Warn("stopped event in state", "vm", vm.ID, "state", vm.State)
			return
		}
		// Stopped VMs hold no capacity; return both holds.
		if vm.State.HoldsReservation() {
			c.reg.Release(vm.AssignedAgent, vm.Spec)
		}
		if vm.ReservationID != "" {
			c.releaseLedger(vm.ReservationID)
			vm.ReservationID = ""
		}
		if err := c.transition(&vm, core.VMStopped); err != nil {
			c.log.Error("apply stopped event", "vm", vm.ID, "error", err)
		}

	case channel.EventVMFailed:
		c.failVM(&vm, strerr.New(strerr.KindInternal, "%s", ev.Details["message"]))

	default:
		c.log.Warn("unknown agent event", "agent", agentID, "kind", ev.Kind)
	}
}

// failVM compensates in reverse order and marks the VM failed. Failed VMs
// are not rescheduled automatically; the record carries the classified error
// for the operator.
func (c *Coordinator) failVM(vm *core.VM, cause error) {
	if vm.State.HoldsReservation() && vm.AssignedAgent != "" {
		c.reg.Release(vm.AssignedAgent, vm.Spec)
	}
	if vm.ReservationID != "" {
		c.releaseLedger(vm.ReservationID)
	}
	vm.LastError = cause.Error()
	if err := c.transition(vm, core.VMFailed); err != nil {
		c.log.Error("mark vm failed", "vm", vm.ID, "error", err)
		return
	}
	c.bus.Publish(events.Event{
		Type:      events.EventVMFailed,
		VMID:      vm.ID,
		AgentID:   vm.AssignedAgent,
		ProjectID: vm.ProjectID,
		Message:   vm.LastError,
		Timestamp: c.clk.Now().UTC(),
	})
}

// transition moves the VM to the target state, stamps it, persists, and
// publishes the state change.
func (c *Coordinator) transition(vm *core.VM, to core.VMState) error {
	if !vm.State.CanTransition(to) {
		return strerr.New(strerr.KindInvalidStateTransition,
			"vm %s cannot go from %s to %s", vm.ID, vm.State, to)
	}
	now := c.clk.Now().UTC()
	vm.State = to
	vm.UpdatedAt = now
	switch to {
	case core.VMRunning:
		vm.StartedAt = now
	case core.VMStopped:
		vm.StoppedAt = now
	case core.VMDeleted:
		vm.DeletedAt = now
	}
	if err := c.store.SaveVM(*vm); err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save vm %s", vm.ID)
	}
	c.publish(events.EventVMStateChange, *vm, string(to))
	c.refreshGauges()
	c.log.Info("vm state", "vm", vm.ID, "state", to)
	return nil
}

func (c *Coordinator) publish(t events.EventType, vm core.VM, state string) {
	c.bus.Publish(events.Event{
		Type:      t,
		VMID:      vm.ID,
		AgentID:   vm.AssignedAgent,
		ProjectID: vm.ProjectID,
		State:     state,
		Timestamp: c.clk.Now().UTC(),
	})
}

func (c *Coordinator) releaseLedger(reservationID string) {
	if err := c.ledger.Release(reservationID); err != nil {
		c.log.Error("release reservation", "reservation", reservationID, "error", err)
	}
}

// Reconcile rebuilds derived state after a restart: ledger counters from the
// reservation table, then registry holds from VMs that are supposed to be
// occupying capacity.
func (c *Coordinator) Reconcile() error {
	if err := c.ledger.Rebuild(); err != nil {
		return err
	}
	vms, err := c.store.ListVMs()
	if err != nil {
		return err
	}
	holds := 0
	for _, vm := range vms {
		if !vm.State.HoldsReservation() || vm.AssignedAgent == "" {
			continue
		}
		if err := c.reg.Reserve(vm.AssignedAgent, vm.Spec); err != nil {
			// The agent shrank or vanished while we were down. Keep the VM;
			// the next heartbeat carries the agent's real availability.
			c.log.Warn("reapply capacity hold", "vm", vm.ID, "agent", vm.AssignedAgent, "error", err)
			continue
		}
		holds++
	}
	c.refreshGauges()
	c.log.Info("lifecycle reconciled", "vms", len(vms), "holds", holds)
	return nil
}

func (c *Coordinator) refreshGauges() {
	vms, err := c.store.ListVMs()
	if err != nil {
		return
	}
	counts := map[core.VMState]int{}
	for _, vm := range vms {
		counts[vm.State]++
	}
	for _, s := range []core.VMState{core.VMPending, core.VMScheduled, core.VMStarting,
		core.VMRunning, core.VMStopping, core.VMStopped, core.VMFailed, core.VMDeleted} {
		metrics.VMsByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
