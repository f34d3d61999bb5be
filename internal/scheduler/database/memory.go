package database

import (
	"context"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

const (
	scalingGroupsTable = "scaling_groups"
	agentsTable        = "agents"
	sessionsTable      = "sessions"
	routesTable        = "routes"
	policiesTable      = "policies"

	idIndex           = "id"
	statusIndex       = "status"
	scalingGroupIndex = "scaling_group"
	groupStatusIndex  = "scaling_group_status"

	policySetID = "policies"
)

// sessionRow flattens the fields memdb indexes on.
type sessionRow struct {
	ID           string
	ScalingGroup string
	Status       string
	Record       SessionRecord
}

type policyRow struct {
	ID  string
	Set PolicySet
}

// MemoryRepository keeps scheduler state in an in-memory go-memdb database.
// It backs standalone deployments and tests.
type MemoryRepository struct {
	db    *memdb.MemDB
	clock clock.PassiveClock
}

func NewMemoryRepository(clock clock.PassiveClock) (*MemoryRepository, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemoryRepository{db: db, clock: clock}, nil
}

func (r *MemoryRepository) GetSchedulableScalingGroups(_ context.Context) ([]schedulerobjects.ScalingGroup, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	groups, err := allScalingGroups(txn)
	if err != nil {
		return nil, err
	}
	active := make([]schedulerobjects.ScalingGroup, 0, len(groups))
	for _, sg := range groups {
		if sg.IsActive {
			active = append(active, sg)
		}
	}
	return active, nil
}

func (r *MemoryRepository) LoadSnapshot(_ context.Context, scalingGroup string) (*schedulerobjects.SystemSnapshot, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()

	sg, err := txn.First(scalingGroupsTable, idIndex, scalingGroup)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if sg == nil {
		return nil, errors.Wrapf(ErrNotFound, "scaling group %s", scalingGroup)
	}

	state := clusterState{dependencies: map[schedulerobjects.SessionID][]schedulerobjects.DependencyInfo{}}
	if state.scalingGroups, err = allScalingGroups(txn); err != nil {
		return nil, err
	}

	it, err := txn.Get(agentsTable, scalingGroupIndex, scalingGroup)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		state.agents = append(state.agents, obj.(*schedulerobjects.AgentInfo).DeepCopy())
	}

	for _, status := range []schedulerobjects.SessionStatus{
		schedulerobjects.SessionStatusPending,
		schedulerobjects.SessionStatusScheduled,
		schedulerobjects.SessionStatusRunning,
	} {
		rows, err := sessionsByStatus(txn, status)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			state.sessions = append(state.sessions, copySessionRecord(row.Record))
			if status != schedulerobjects.SessionStatusPending || row.ScalingGroup != scalingGroup {
				continue
			}
			for _, dep := range row.Record.DependsOn {
				info := schedulerobjects.DependencyInfo{DependsOn: dep}
				target, err := txn.First(sessionsTable, idIndex, string(dep))
				if err != nil {
					return nil, errors.WithStack(err)
				}
				if target != nil {
					info.Status = target.(*sessionRow).Record.Status
					info.Result = target.(*sessionRow).Record.Result
				}
				id := row.Record.Workload.SessionID
				state.dependencies[id] = append(state.dependencies[id], info)
			}
		}
	}

	policies, err := txn.First(policiesTable, idIndex, policySetID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if policies != nil {
		state.policies = policies.(*policyRow).Set
	}
	return buildSnapshot(state, r.clock.Now()), nil
}

func (r *MemoryRepository) GetPendingWorkloads(_ context.Context, scalingGroup string) ([]schedulerobjects.SessionWorkload, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	rows, err := pendingRows(txn, scalingGroup)
	if err != nil {
		return nil, err
	}
	workloads := make([]schedulerobjects.SessionWorkload, len(rows))
	for i, row := range rows {
		workloads[i] = copySessionRecord(row.Record).Workload
	}
	return workloads, nil
}

func (r *MemoryRepository) PersistDecision(_ context.Context, decision schedulerobjects.PlacementDecision) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	row, err := sessionRowByID(txn, decision.SessionID)
	if err != nil {
		return err
	}
	if row.Record.Status != schedulerobjects.SessionStatusPending {
		return errors.Wrapf(ErrSessionNotPending, "session %s is %s", decision.SessionID, row.Record.Status)
	}
	record := copySessionRecord(row.Record)
	record.Status = schedulerobjects.SessionStatusScheduled
	record.AgentID = decision.AgentID
	record.AllocatedSlots = decision.AllocatedSlots.DeepCopy()
	record.StatusReason = ""
	record.StatusChangedAt = r.clock.Now()
	if err := txn.Insert(sessionsTable, newSessionRow(record)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *MemoryRepository) RecordSchedulingFailures(_ context.Context, failures []schedulerobjects.SchedulingFailure) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	for _, failure := range failures {
		obj, err := txn.First(sessionsTable, idIndex, string(failure.SessionID))
		if err != nil {
			return errors.WithStack(err)
		}
		if obj == nil || obj.(*sessionRow).Record.Status != schedulerobjects.SessionStatusPending {
			continue
		}
		record := copySessionRecord(obj.(*sessionRow).Record)
		record.StatusReason = failure.ErrorKind
		record.LastFailure = copyFailure(&failure)
		if err := txn.Insert(sessionsTable, newSessionRow(record)); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

func (r *MemoryRepository) CancelStalePendingSessions(_ context.Context, scalingGroup string, olderThan time.Time) ([]schedulerobjects.SessionID, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()
	rows, err := pendingRows(txn, scalingGroup)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	var cancelled []schedulerobjects.SessionID
	for _, row := range rows {
		if !row.Record.Workload.CreatedAt.Before(olderThan) {
			continue
		}
		record := copySessionRecord(row.Record)
		record.Status = schedulerobjects.SessionStatusCancelled
		record.StatusReason = PendingTimeoutReason
		record.StatusChangedAt = now
		if err := txn.Insert(sessionsTable, newSessionRow(record)); err != nil {
			return nil, errors.WithStack(err)
		}
		cancelled = append(cancelled, record.Workload.SessionID)
	}
	txn.Commit()
	return cancelled, nil
}

func (r *MemoryRepository) GetRoutesByStatuses(_ context.Context, statuses ...schedulerobjects.RouteStatus) ([]schedulerobjects.Route, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	var routes []schedulerobjects.Route
	for _, status := range statuses {
		it, err := txn.Get(routesTable, statusIndex, string(status))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			routes = append(routes, *obj.(*schedulerobjects.Route))
		}
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].ID < routes[j].ID })
	return routes, nil
}

func (r *MemoryRepository) GetRouteWorkload(_ context.Context, routeID schedulerobjects.RouteID) (schedulerobjects.SessionWorkload, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(routesTable, idIndex, string(routeID))
	if err != nil {
		return schedulerobjects.SessionWorkload{}, errors.WithStack(err)
	}
	if obj == nil {
		return schedulerobjects.SessionWorkload{}, errors.Wrapf(ErrNotFound, "route %s", routeID)
	}
	row, err := sessionRowByID(txn, obj.(*schedulerobjects.Route).SessionID)
	if err != nil {
		return schedulerobjects.SessionWorkload{}, err
	}
	return copySessionRecord(row.Record).Workload, nil
}

func (r *MemoryRepository) UpdateRouteStatus(_ context.Context, update RouteStatusUpdate) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	obj, err := txn.First(routesTable, idIndex, string(update.RouteID))
	if err != nil {
		return errors.WithStack(err)
	}
	if obj == nil {
		return errors.Wrapf(ErrNotFound, "route %s", update.RouteID)
	}
	route := *obj.(*schedulerobjects.Route)
	route.Status = update.Status
	route.StatusReason = update.Reason
	route.ProvisionAttempts = update.ProvisionAttempts
	if err := txn.Insert(routesTable, &route); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *MemoryRepository) UpsertScalingGroups(_ context.Context, groups ...schedulerobjects.ScalingGroup) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	for _, sg := range groups {
		sg := sg
		if err := txn.Insert(scalingGroupsTable, &sg); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

func (r *MemoryRepository) UpsertAgents(_ context.Context, agents ...schedulerobjects.AgentInfo) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	for _, a := range agents {
		a = a.DeepCopy()
		if err := txn.Insert(agentsTable, &a); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

// UpsertPolicies replaces the stored policy set. The set is retained, so callers must not modify it afterwards.
func (r *MemoryRepository) UpsertPolicies(_ context.Context, policies PolicySet) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(policiesTable, &policyRow{ID: policySetID, Set: policies}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *MemoryRepository) UpsertSessions(_ context.Context, sessions ...SessionRecord) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	for _, s := range sessions {
		if err := txn.Insert(sessionsTable, newSessionRow(copySessionRecord(s))); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

func (r *MemoryRepository) UpsertRoutes(_ context.Context, routes ...schedulerobjects.Route) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	for _, route := range routes {
		route := route
		if err := txn.Insert(routesTable, &route); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, id schedulerobjects.SessionID) (SessionRecord, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	row, err := sessionRowByID(txn, id)
	if err != nil {
		return SessionRecord{}, err
	}
	return copySessionRecord(row.Record), nil
}

func allScalingGroups(txn *memdb.Txn) ([]schedulerobjects.ScalingGroup, error) {
	it, err := txn.Get(scalingGroupsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var groups []schedulerobjects.ScalingGroup
	for obj := it.Next(); obj != nil; obj = it.Next() {
		groups = append(groups, *obj.(*schedulerobjects.ScalingGroup))
	}
	return groups, nil
}

func sessionRowByID(txn *memdb.Txn, id schedulerobjects.SessionID) (*sessionRow, error) {
	obj, err := txn.First(sessionsTable, idIndex, string(id))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.Wrapf(ErrNotFound, "session %s", id)
	}
	return obj.(*sessionRow), nil
}

func sessionsByStatus(txn *memdb.Txn, status schedulerobjects.SessionStatus) ([]*sessionRow, error) {
	it, err := txn.Get(sessionsTable, statusIndex, string(status))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var rows []*sessionRow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*sessionRow))
	}
	return rows, nil
}

// pendingRows returns the pending sessions of a scaling group, oldest first.
func pendingRows(txn *memdb.Txn, scalingGroup string) ([]*sessionRow, error) {
	it, err := txn.Get(sessionsTable, groupStatusIndex, scalingGroup, string(schedulerobjects.SessionStatusPending))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var rows []*sessionRow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*sessionRow))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Record.Workload, rows[j].Record.Workload
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.SessionID < b.SessionID
	})
	return rows, nil
}

func newSessionRow(record SessionRecord) *sessionRow {
	return &sessionRow{
		ID:           string(record.Workload.SessionID),
		ScalingGroup: record.Workload.ScalingGroup,
		Status:       string(record.Status),
		Record:       record,
	}
}

func copySessionRecord(r SessionRecord) SessionRecord {
	r.Workload.RequestedSlots = r.Workload.RequestedSlots.DeepCopy()
	r.Workload.DesignatedAgentIDs = append([]schedulerobjects.AgentID(nil), r.Workload.DesignatedAgentIDs...)
	if r.Workload.StartsAt != nil {
		startsAt := *r.Workload.StartsAt
		r.Workload.StartsAt = &startsAt
	}
	if r.AllocatedSlots != nil {
		r.AllocatedSlots = r.AllocatedSlots.DeepCopy()
	}
	r.DependsOn = append([]schedulerobjects.SessionID(nil), r.DependsOn...)
	r.LastFailure = copyFailure(r.LastFailure)
	return r
}

func copyFailure(f *schedulerobjects.SchedulingFailure) *schedulerobjects.SchedulingFailure {
	if f == nil {
		return nil
	}
	c := *f
	c.Passed = append([]schedulerobjects.Predicate(nil), f.Passed...)
	c.Failed = append([]schedulerobjects.Predicate(nil), f.Failed...)
	return &c
}

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			scalingGroupsTable: {
				Name: scalingGroupsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {Name: idIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Name"}},
				},
			},
			agentsTable: {
				Name: agentsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex:           {Name: idIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					scalingGroupIndex: {Name: scalingGroupIndex, AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "ScalingGroup"}},
				},
			},
			sessionsTable: {
				Name: sessionsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex:     {Name: idIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					statusIndex: {Name: statusIndex, AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "Status"}},
					groupStatusIndex: {
						Name:         groupStatusIndex,
						AllowMissing: true,
						Indexer: &memdb.CompoundIndex{
							AllowMissing: true,
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "ScalingGroup"},
								&memdb.StringFieldIndex{Field: "Status"},
							},
						},
					},
				},
			},
			routesTable: {
				Name: routesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex:     {Name: idIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					statusIndex: {Name: statusIndex, AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "Status"}},
				},
			},
			policiesTable: {
				Name: policiesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {Name: idIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				},
			},
		},
	}
}
