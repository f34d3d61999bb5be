package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/resources"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

const (
	policyScopeKeypair = "keypair"
	policyScopeUser    = "user"
	policyScopeGroup   = "group"
	policyScopeDomain  = "domain"
)

var (
	dialect = goqu.Dialect("postgres")

	// Tables
	scalingGroupTable        = goqu.T("scaling_groups")
	agentTable               = goqu.T("agents")
	sessionTable             = goqu.T("sessions")
	sessionDependenciesTable = goqu.T("session_dependencies")
	routeTable               = goqu.T("routes")
	resourcePolicyTable      = goqu.T("resource_policies")
	slotTypeTable            = goqu.T("slot_types")

	// Columns: sessions table
	session_id           = goqu.I("sessions.id")
	session_scalingGroup = goqu.I("sessions.scaling_group")
	session_status       = goqu.I("sessions.status")
	session_createdAt    = goqu.I("sessions.created_at")

	sessionColumns = []any{
		session_id,
		goqu.I("sessions.access_key"),
		goqu.I("sessions.user_id"),
		goqu.I("sessions.group_id"),
		goqu.I("sessions.domain"),
		session_scalingGroup,
		goqu.I("sessions.session_type"),
		goqu.I("sessions.shell_session"),
		goqu.I("sessions.requested_slots"),
		goqu.I("sessions.architecture"),
		goqu.I("sessions.designated_agent_ids"),
		goqu.I("sessions.endpoint_id"),
		goqu.I("sessions.priority"),
		session_createdAt,
		goqu.I("sessions.starts_at"),
		session_status,
		goqu.I("sessions.result"),
		goqu.I("sessions.agent_id"),
		goqu.I("sessions.allocated_slots"),
		goqu.I("sessions.status_reason"),
		goqu.I("sessions.last_failure"),
		goqu.I("sessions.status_changed_at"),
	}

	// Columns: routes table
	route_id        = goqu.I("routes.id")
	route_sessionId = goqu.I("routes.session_id")
	route_status    = goqu.I("routes.status")

	routeColumns = []any{
		route_id,
		goqu.I("routes.endpoint_id"),
		route_sessionId,
		goqu.I("routes.scaling_group"),
		route_status,
		goqu.I("routes.provision_attempts"),
		goqu.I("routes.status_reason"),
	}
)

// queryer is satisfied by both the pool and a transaction.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository stores scheduler state in Postgres. Queries are built with goqu and executed over pgx.
type PostgresRepository struct {
	db    *pgxpool.Pool
	clock clock.PassiveClock
}

func NewPostgresRepository(db *pgxpool.Pool, clock clock.PassiveClock) *PostgresRepository {
	return &PostgresRepository{db: db, clock: clock}
}

func (r *PostgresRepository) GetSchedulableScalingGroups(ctx context.Context) ([]schedulerobjects.ScalingGroup, error) {
	return selectScalingGroups(ctx, r.db, goqu.C("is_active").IsTrue())
}

func (r *PostgresRepository) LoadSnapshot(ctx context.Context, scalingGroup string) (*schedulerobjects.SystemSnapshot, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	state := clusterState{}
	if state.scalingGroups, err = selectScalingGroups(ctx, tx); err != nil {
		return nil, err
	}
	found := false
	for _, sg := range state.scalingGroups {
		found = found || sg.Name == scalingGroup
	}
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "scaling group %s", scalingGroup)
	}
	if state.agents, err = selectAgents(ctx, tx, goqu.C("scaling_group").Eq(scalingGroup)); err != nil {
		return nil, err
	}
	if state.sessions, err = selectSessions(ctx, tx, session_status.In(
		string(schedulerobjects.SessionStatusPending),
		string(schedulerobjects.SessionStatusScheduled),
		string(schedulerobjects.SessionStatusRunning),
	)); err != nil {
		return nil, err
	}
	if state.dependencies, err = selectPendingDependencies(ctx, tx, scalingGroup); err != nil {
		return nil, err
	}
	if state.policies, err = selectPolicies(ctx, tx); err != nil {
		return nil, err
	}
	return buildSnapshot(state, r.clock.Now()), nil
}

func (r *PostgresRepository) GetPendingWorkloads(ctx context.Context, scalingGroup string) ([]schedulerobjects.SessionWorkload, error) {
	records, err := selectSessions(ctx, r.db,
		session_scalingGroup.Eq(scalingGroup),
		session_status.Eq(string(schedulerobjects.SessionStatusPending)),
	)
	if err != nil {
		return nil, err
	}
	workloads := make([]schedulerobjects.SessionWorkload, len(records))
	for i, record := range records {
		workloads[i] = record.Workload
	}
	return workloads, nil
}

func (r *PostgresRepository) PersistDecision(ctx context.Context, decision schedulerobjects.PlacementDecision) error {
	allocated, err := json.Marshal(decision.AllocatedSlots.DeepCopy())
	if err != nil {
		return errors.WithStack(err)
	}
	sql, args, err := dialect.Update(sessionTable).Prepared(true).
		Set(goqu.Record{
			"status":            string(schedulerobjects.SessionStatusScheduled),
			"agent_id":          string(decision.AgentID),
			"allocated_slots":   allocated,
			"status_reason":     "",
			"status_changed_at": r.clock.Now(),
		}).
		Where(
			goqu.C("id").Eq(string(decision.SessionID)),
			goqu.C("status").Eq(string(schedulerobjects.SessionStatusPending)),
		).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	record, err := r.GetSession(ctx, decision.SessionID)
	if err != nil {
		return err
	}
	return errors.Wrapf(ErrSessionNotPending, "session %s is %s", decision.SessionID, record.Status)
}

func (r *PostgresRepository) RecordSchedulingFailures(ctx context.Context, failures []schedulerobjects.SchedulingFailure) error {
	if len(failures) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, failure := range failures {
		payload, err := json.Marshal(failure)
		if err != nil {
			return errors.WithStack(err)
		}
		sql, args, err := dialect.Update(sessionTable).Prepared(true).
			Set(goqu.Record{"status_reason": failure.ErrorKind, "last_failure": payload}).
			Where(
				goqu.C("id").Eq(string(failure.SessionID)),
				goqu.C("status").Eq(string(schedulerobjects.SessionStatusPending)),
			).ToSQL()
		if err != nil {
			return errors.WithStack(err)
		}
		batch.Queue(sql, args...)
	}
	results := r.db.SendBatch(ctx, batch)
	for range failures {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(results.Close())
}

func (r *PostgresRepository) CancelStalePendingSessions(ctx context.Context, scalingGroup string, olderThan time.Time) ([]schedulerobjects.SessionID, error) {
	sql, args, err := dialect.Update(sessionTable).Prepared(true).
		Set(goqu.Record{
			"status":            string(schedulerobjects.SessionStatusCancelled),
			"status_reason":     PendingTimeoutReason,
			"status_changed_at": r.clock.Now(),
		}).
		Where(
			goqu.C("scaling_group").Eq(scalingGroup),
			goqu.C("status").Eq(string(schedulerobjects.SessionStatusPending)),
			goqu.C("created_at").Lt(olderThan),
		).
		Returning("id").ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.WithStack(err)
	}
	cancelled := make([]schedulerobjects.SessionID, len(ids))
	for i, id := range ids {
		cancelled[i] = schedulerobjects.SessionID(id)
	}
	return cancelled, nil
}

func (r *PostgresRepository) GetRoutesByStatuses(ctx context.Context, statuses ...schedulerobjects.RouteStatus) ([]schedulerobjects.Route, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]any, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	sql, args, err := dialect.From(routeTable).Prepared(true).
		Select(routeColumns...).
		Where(route_status.In(values...)).
		Order(route_id.Asc()).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var routes []schedulerobjects.Route
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, errors.WithStack(rows.Err())
}

func (r *PostgresRepository) GetRouteWorkload(ctx context.Context, routeID schedulerobjects.RouteID) (schedulerobjects.SessionWorkload, error) {
	records, err := selectSessionsFrom(ctx, r.db,
		dialect.From(sessionTable).Join(routeTable, goqu.On(route_sessionId.Eq(session_id))),
		route_id.Eq(string(routeID)),
	)
	if err != nil {
		return schedulerobjects.SessionWorkload{}, err
	}
	if len(records) == 0 {
		return schedulerobjects.SessionWorkload{}, errors.Wrapf(ErrNotFound, "route %s", routeID)
	}
	return records[0].Workload, nil
}

func (r *PostgresRepository) UpdateRouteStatus(ctx context.Context, update RouteStatusUpdate) error {
	sql, args, err := dialect.Update(routeTable).Prepared(true).
		Set(goqu.Record{
			"status":             string(update.Status),
			"status_reason":      update.Reason,
			"provision_attempts": update.ProvisionAttempts,
		}).
		Where(goqu.C("id").Eq(string(update.RouteID))).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotFound, "route %s", update.RouteID)
	}
	return nil
}

func (r *PostgresRepository) UpsertScalingGroups(ctx context.Context, groups ...schedulerobjects.ScalingGroup) error {
	if len(groups) == 0 {
		return nil
	}
	rows := make([]any, len(groups))
	for i, sg := range groups {
		rows[i] = goqu.Record{
			"name":                               sg.Name,
			"is_active":                          sg.IsActive,
			"agent_selection_strategy":           string(sg.AgentSelectionStrategy),
			"sequencer":                          string(sg.Sequencer),
			"max_container_count":                nullableInt(sg.MaxContainerCount),
			"enforce_spreading_endpoint_replica": sg.EnforceSpreadingEndpointReplica,
			"pending_timeout_ms":                 sg.PendingTimeout.Milliseconds(),
		}
	}
	return r.upsert(ctx, scalingGroupTable, "name", rows,
		"is_active", "agent_selection_strategy", "sequencer", "max_container_count",
		"enforce_spreading_endpoint_replica", "pending_timeout_ms")
}

func (r *PostgresRepository) UpsertAgents(ctx context.Context, agents ...schedulerobjects.AgentInfo) error {
	if len(agents) == 0 {
		return nil
	}
	rows := make([]any, len(agents))
	for i, a := range agents {
		capacity, err := json.Marshal(a.CapacitySlots.DeepCopy())
		if err != nil {
			return errors.WithStack(err)
		}
		rows[i] = goqu.Record{
			"id":             string(a.ID),
			"address":        a.Address,
			"architecture":   a.Architecture,
			"scaling_group":  a.ScalingGroup,
			"status":         string(a.Status),
			"schedulable":    a.Schedulable,
			"capacity_slots": capacity,
			"region":         a.Region,
			"zone":           a.Zone,
		}
	}
	return r.upsert(ctx, agentTable, "id", rows,
		"address", "architecture", "scaling_group", "status", "schedulable", "capacity_slots", "region", "zone")
}

// UpsertPolicies replaces every stored policy and slot type with the given set.
func (r *PostgresRepository) UpsertPolicies(ctx context.Context, policies PolicySet) error {
	var rows []any
	for key, p := range policies.Policies.KeypairPolicies {
		total, err := nullableSlot(p.TotalResourceSlots)
		if err != nil {
			return err
		}
		pendingSlots, err := nullableSlot(p.MaxPendingSessionResourceSlots)
		if err != nil {
			return err
		}
		rows = append(rows, goqu.Record{
			"scope":                              policyScopeKeypair,
			"scope_id":                           key,
			"total_resource_slots":               total,
			"max_concurrent_sessions":            nullableInt(p.MaxConcurrentSessions),
			"max_concurrent_shell_sessions":      nullableInt(p.MaxConcurrentShellSessions),
			"max_pending_session_count":          nullableInt(p.MaxPendingSessionCount),
			"max_pending_session_resource_slots": pendingSlots,
		})
	}
	for user, p := range policies.Policies.UserPolicies {
		total, err := nullableSlot(p.TotalResourceSlots)
		if err != nil {
			return err
		}
		rows = append(rows, limitRecord(policyScopeUser, user, total))
	}
	for scope, limits := range map[string]map[string]resources.ResourceSlot{
		policyScopeGroup:  policies.Policies.GroupLimits,
		policyScopeDomain: policies.Policies.DomainLimits,
	} {
		for id, limit := range limits {
			total, err := nullableSlot(limit.DeepCopy())
			if err != nil {
				return err
			}
			rows = append(rows, limitRecord(scope, id, total))
		}
	}
	var slotTypes []any
	for name, slotType := range policies.SlotTypes {
		slotTypes = append(slotTypes, goqu.Record{"slot_name": name, "slot_type": string(slotType)})
	}

	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		statements := []statement{
			dialect.Delete(resourcePolicyTable).Prepared(true),
			dialect.Delete(slotTypeTable).Prepared(true),
		}
		if len(rows) > 0 {
			statements = append(statements, dialect.Insert(resourcePolicyTable).Prepared(true).Rows(rows...))
		}
		if len(slotTypes) > 0 {
			statements = append(statements, dialect.Insert(slotTypeTable).Prepared(true).Rows(slotTypes...))
		}
		return execAll(ctx, tx, statements...)
	})
}

func (r *PostgresRepository) UpsertSessions(ctx context.Context, sessions ...SessionRecord) error {
	if len(sessions) == 0 {
		return nil
	}
	rows := make([]any, len(sessions))
	ids := make([]any, len(sessions))
	var dependencies []any
	for i, s := range sessions {
		record, err := sessionRecordToRow(s)
		if err != nil {
			return err
		}
		rows[i] = record
		ids[i] = string(s.Workload.SessionID)
		for _, dep := range s.DependsOn {
			dependencies = append(dependencies, goqu.Record{
				"session_id": string(s.Workload.SessionID),
				"depends_on": string(dep),
			})
		}
	}
	updateColumns := make([]string, 0, len(sessionColumns)-1)
	for column := range rows[0].(goqu.Record) {
		if column != "id" {
			updateColumns = append(updateColumns, column)
		}
	}

	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		statements := []statement{
			dialect.Insert(sessionTable).Prepared(true).
				Rows(rows...).
				OnConflict(goqu.DoUpdate("id", excluded(updateColumns...))),
			dialect.Delete(sessionDependenciesTable).Prepared(true).
				Where(goqu.C("session_id").In(ids...)),
		}
		if len(dependencies) > 0 {
			statements = append(statements, dialect.Insert(sessionDependenciesTable).Prepared(true).Rows(dependencies...))
		}
		return execAll(ctx, tx, statements...)
	})
}

func (r *PostgresRepository) UpsertRoutes(ctx context.Context, routes ...schedulerobjects.Route) error {
	if len(routes) == 0 {
		return nil
	}
	rows := make([]any, len(routes))
	for i, route := range routes {
		rows[i] = goqu.Record{
			"id":                 string(route.ID),
			"endpoint_id":        route.EndpointID,
			"session_id":         string(route.SessionID),
			"scaling_group":      route.ScalingGroup,
			"status":             string(route.Status),
			"provision_attempts": route.ProvisionAttempts,
			"status_reason":      route.StatusReason,
		}
	}
	return r.upsert(ctx, routeTable, "id", rows,
		"endpoint_id", "session_id", "scaling_group", "status", "provision_attempts", "status_reason")
}

func (r *PostgresRepository) GetSession(ctx context.Context, id schedulerobjects.SessionID) (SessionRecord, error) {
	records, err := selectSessions(ctx, r.db, session_id.Eq(string(id)))
	if err != nil {
		return SessionRecord{}, err
	}
	if len(records) == 0 {
		return SessionRecord{}, errors.Wrapf(ErrNotFound, "session %s", id)
	}
	record := records[0]
	sql, args, err := dialect.From(sessionDependenciesTable).Prepared(true).
		Select("depends_on").
		Where(goqu.C("session_id").Eq(string(id))).
		Order(goqu.C("depends_on").Asc()).
		ToSQL()
	if err != nil {
		return SessionRecord{}, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return SessionRecord{}, errors.WithStack(err)
	}
	deps, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return SessionRecord{}, errors.WithStack(err)
	}
	for _, dep := range deps {
		record.DependsOn = append(record.DependsOn, schedulerobjects.SessionID(dep))
	}
	return record, nil
}

func (r *PostgresRepository) upsert(ctx context.Context, table exp.IdentifierExpression, key string, rows []any, updateColumns ...string) error {
	sql, args, err := dialect.Insert(table).Prepared(true).
		Rows(rows...).
		OnConflict(goqu.DoUpdate(key, excluded(updateColumns...))).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return errors.WithStack(err)
}

func excluded(columns ...string) goqu.Record {
	update := goqu.Record{}
	for _, column := range columns {
		update[column] = goqu.I("excluded." + column)
	}
	return update
}

type statement interface {
	ToSQL() (string, []any, error)
}

func execAll(ctx context.Context, tx pgx.Tx, statements ...statement) error {
	for _, st := range statements {
		sql, args, err := st.ToSQL()
		if err != nil {
			return errors.WithStack(err)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func selectScalingGroups(ctx context.Context, q queryer, where ...exp.Expression) ([]schedulerobjects.ScalingGroup, error) {
	sql, args, err := dialect.From(scalingGroupTable).Prepared(true).
		Select(
			"name", "is_active", "agent_selection_strategy", "sequencer", "max_container_count",
			"enforce_spreading_endpoint_replica", "pending_timeout_ms",
		).
		Where(where...).
		Order(goqu.C("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var groups []schedulerobjects.ScalingGroup
	for rows.Next() {
		var (
			sg                  schedulerobjects.ScalingGroup
			strategy, sequencer string
			pendingTimeoutMs    int64
		)
		if err := rows.Scan(
			&sg.Name, &sg.IsActive, &strategy, &sequencer, &sg.MaxContainerCount,
			&sg.EnforceSpreadingEndpointReplica, &pendingTimeoutMs,
		); err != nil {
			return nil, errors.WithStack(err)
		}
		sg.AgentSelectionStrategy = schedulerobjects.AgentSelectionStrategy(strategy)
		sg.Sequencer = schedulerobjects.SequencerName(sequencer)
		sg.PendingTimeout = time.Duration(pendingTimeoutMs) * time.Millisecond
		groups = append(groups, sg)
	}
	return groups, errors.WithStack(rows.Err())
}

func selectAgents(ctx context.Context, q queryer, where ...exp.Expression) ([]schedulerobjects.AgentInfo, error) {
	sql, args, err := dialect.From(agentTable).Prepared(true).
		Select("id", "address", "architecture", "scaling_group", "status", "schedulable", "capacity_slots", "region", "zone").
		Where(where...).
		Order(goqu.C("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var agents []schedulerobjects.AgentInfo
	for rows.Next() {
		var (
			a          schedulerobjects.AgentInfo
			id, status string
			capacity   []byte
		)
		if err := rows.Scan(&id, &a.Address, &a.Architecture, &a.ScalingGroup, &status, &a.Schedulable, &capacity, &a.Region, &a.Zone); err != nil {
			return nil, errors.WithStack(err)
		}
		a.ID = schedulerobjects.AgentID(id)
		a.Status = schedulerobjects.AgentStatus(status)
		if a.CapacitySlots, err = unmarshalSlot(capacity); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, errors.WithStack(rows.Err())
}

func selectSessions(ctx context.Context, q queryer, where ...exp.Expression) ([]SessionRecord, error) {
	return selectSessionsFrom(ctx, q, dialect.From(sessionTable), where...)
}

func selectSessionsFrom(ctx context.Context, q queryer, ds *goqu.SelectDataset, where ...exp.Expression) ([]SessionRecord, error) {
	sql, args, err := ds.Prepared(true).
		Select(sessionColumns...).
		Where(where...).
		Order(session_createdAt.Asc(), session_id.Asc()).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var records []SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, errors.WithStack(rows.Err())
}

// selectPendingDependencies resolves the dependencies of the pending sessions of a scaling group.
// A dependency on a session that does not exist resolves with an empty status and is never satisfied.
func selectPendingDependencies(ctx context.Context, q queryer, scalingGroup string) (map[schedulerobjects.SessionID][]schedulerobjects.DependencyInfo, error) {
	sql, args, err := dialect.From(sessionDependenciesTable.As("d")).Prepared(true).
		Join(sessionTable.As("p"), goqu.On(goqu.I("p.id").Eq(goqu.I("d.session_id")))).
		LeftJoin(sessionTable.As("t"), goqu.On(goqu.I("t.id").Eq(goqu.I("d.depends_on")))).
		Select(
			goqu.I("d.session_id"),
			goqu.I("d.depends_on"),
			goqu.COALESCE(goqu.I("t.status"), ""),
			goqu.COALESCE(goqu.I("t.result"), ""),
		).
		Where(
			goqu.I("p.scaling_group").Eq(scalingGroup),
			goqu.I("p.status").Eq(string(schedulerobjects.SessionStatusPending)),
		).
		Order(goqu.I("d.session_id").Asc(), goqu.I("d.depends_on").Asc()).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	dependencies := map[schedulerobjects.SessionID][]schedulerobjects.DependencyInfo{}
	for rows.Next() {
		var id, dependsOn, status, result string
		if err := rows.Scan(&id, &dependsOn, &status, &result); err != nil {
			return nil, errors.WithStack(err)
		}
		sessionID := schedulerobjects.SessionID(id)
		dependencies[sessionID] = append(dependencies[sessionID], schedulerobjects.DependencyInfo{
			DependsOn: schedulerobjects.SessionID(dependsOn),
			Status:    schedulerobjects.SessionStatus(status),
			Result:    schedulerobjects.SessionResult(result),
		})
	}
	return dependencies, errors.WithStack(rows.Err())
}

func selectPolicies(ctx context.Context, q queryer) (PolicySet, error) {
	set := PolicySet{
		Policies: schedulerobjects.ResourcePolicies{
			KeypairPolicies: map[string]schedulerobjects.KeypairResourcePolicy{},
			UserPolicies:    map[string]schedulerobjects.UserResourcePolicy{},
			GroupLimits:     map[string]resources.ResourceSlot{},
			DomainLimits:    map[string]resources.ResourceSlot{},
		},
		SlotTypes: map[string]schedulerobjects.SlotType{},
	}
	sql, args, err := dialect.From(resourcePolicyTable).Prepared(true).
		Select(
			"scope", "scope_id", "total_resource_slots", "max_concurrent_sessions",
			"max_concurrent_shell_sessions", "max_pending_session_count", "max_pending_session_resource_slots",
		).ToSQL()
	if err != nil {
		return set, errors.WithStack(err)
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return set, errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			scope, id           string
			total, pendingSlots []byte
			p                   schedulerobjects.KeypairResourcePolicy
		)
		if err := rows.Scan(&scope, &id, &total, &p.MaxConcurrentSessions, &p.MaxConcurrentShellSessions,
			&p.MaxPendingSessionCount, &pendingSlots); err != nil {
			return set, errors.WithStack(err)
		}
		if p.TotalResourceSlots, err = unmarshalSlot(total); err != nil {
			return set, err
		}
		if p.MaxPendingSessionResourceSlots, err = unmarshalSlot(pendingSlots); err != nil {
			return set, err
		}
		switch scope {
		case policyScopeKeypair:
			set.Policies.KeypairPolicies[id] = p
		case policyScopeUser:
			set.Policies.UserPolicies[id] = schedulerobjects.UserResourcePolicy{TotalResourceSlots: p.TotalResourceSlots}
		case policyScopeGroup:
			if p.TotalResourceSlots != nil {
				set.Policies.GroupLimits[id] = p.TotalResourceSlots
			}
		case policyScopeDomain:
			if p.TotalResourceSlots != nil {
				set.Policies.DomainLimits[id] = p.TotalResourceSlots
			}
		default:
			return set, errors.Errorf("unknown resource policy scope %q", scope)
		}
	}
	if err := rows.Err(); err != nil {
		return set, errors.WithStack(err)
	}

	sql, args, err = dialect.From(slotTypeTable).Prepared(true).Select("slot_name", "slot_type").ToSQL()
	if err != nil {
		return set, errors.WithStack(err)
	}
	slotRows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return set, errors.WithStack(err)
	}
	defer slotRows.Close()
	for slotRows.Next() {
		var name, slotType string
		if err := slotRows.Scan(&name, &slotType); err != nil {
			return set, errors.WithStack(err)
		}
		set.SlotTypes[name] = schedulerobjects.SlotType(slotType)
	}
	return set, errors.WithStack(slotRows.Err())
}

func scanSession(rows pgx.Rows) (SessionRecord, error) {
	var (
		record                                   SessionRecord
		id, sessionType, status, result, agentID string
		requested, designated                    []byte
		allocated, lastFailure                   []byte
	)
	w := &record.Workload
	err := rows.Scan(
		&id, &w.AccessKey, &w.UserID, &w.GroupID, &w.Domain, &w.ScalingGroup, &sessionType, &w.ShellSession,
		&requested, &w.Architecture, &designated, &w.EndpointID, &w.Priority, &w.CreatedAt, &w.StartsAt,
		&status, &result, &agentID, &allocated, &record.StatusReason, &lastFailure, &record.StatusChangedAt,
	)
	if err != nil {
		return record, errors.WithStack(err)
	}
	w.SessionID = schedulerobjects.SessionID(id)
	w.SessionType = schedulerobjects.SessionType(sessionType)
	record.Status = schedulerobjects.SessionStatus(status)
	record.Result = schedulerobjects.SessionResult(result)
	record.AgentID = schedulerobjects.AgentID(agentID)
	if w.RequestedSlots, err = unmarshalSlot(requested); err != nil {
		return record, err
	}
	if w.RequestedSlots == nil {
		w.RequestedSlots = resources.ResourceSlot{}
	}
	if record.AllocatedSlots, err = unmarshalSlot(allocated); err != nil {
		return record, err
	}
	if len(designated) > 0 {
		if err := json.Unmarshal(designated, &w.DesignatedAgentIDs); err != nil {
			return record, errors.WithStack(err)
		}
	}
	if len(lastFailure) > 0 {
		record.LastFailure = &schedulerobjects.SchedulingFailure{}
		if err := json.Unmarshal(lastFailure, record.LastFailure); err != nil {
			return record, errors.WithStack(err)
		}
	}
	return record, nil
}

func scanRoute(rows pgx.Rows) (schedulerobjects.Route, error) {
	var (
		route                 schedulerobjects.Route
		id, sessionID, status string
	)
	err := rows.Scan(&id, &route.EndpointID, &sessionID, &route.ScalingGroup, &status, &route.ProvisionAttempts, &route.StatusReason)
	route.ID = schedulerobjects.RouteID(id)
	route.SessionID = schedulerobjects.SessionID(sessionID)
	route.Status = schedulerobjects.RouteStatus(status)
	return route, errors.WithStack(err)
}

func sessionRecordToRow(s SessionRecord) (goqu.Record, error) {
	w := s.Workload
	requested, err := json.Marshal(w.RequestedSlots.DeepCopy())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	designatedIDs := w.DesignatedAgentIDs
	if designatedIDs == nil {
		designatedIDs = []schedulerobjects.AgentID{}
	}
	designated, err := json.Marshal(designatedIDs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	allocated, err := nullableSlot(s.AllocatedSlots)
	if err != nil {
		return nil, err
	}
	var lastFailure any
	if s.LastFailure != nil {
		payload, err := json.Marshal(s.LastFailure)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		lastFailure = payload
	}
	var startsAt any
	if w.StartsAt != nil {
		startsAt = *w.StartsAt
	}
	result := s.Result
	if result == "" {
		result = schedulerobjects.SessionResultUndefined
	}
	statusChangedAt := s.StatusChangedAt
	if statusChangedAt.IsZero() {
		statusChangedAt = w.CreatedAt
	}
	return goqu.Record{
		"id":                   string(w.SessionID),
		"access_key":           w.AccessKey,
		"user_id":              w.UserID,
		"group_id":             w.GroupID,
		"domain":               w.Domain,
		"scaling_group":        w.ScalingGroup,
		"session_type":         string(w.SessionType),
		"shell_session":        w.ShellSession,
		"requested_slots":      requested,
		"architecture":         w.Architecture,
		"designated_agent_ids": designated,
		"endpoint_id":          w.EndpointID,
		"priority":             w.Priority,
		"created_at":           w.CreatedAt,
		"starts_at":            startsAt,
		"status":               string(s.Status),
		"result":               string(result),
		"agent_id":             string(s.AgentID),
		"allocated_slots":      allocated,
		"status_reason":        s.StatusReason,
		"last_failure":         lastFailure,
		"status_changed_at":    statusChangedAt,
	}, nil
}

func limitRecord(scope, id string, total any) goqu.Record {
	return goqu.Record{
		"scope":                              scope,
		"scope_id":                           id,
		"total_resource_slots":               total,
		"max_concurrent_sessions":            nil,
		"max_concurrent_shell_sessions":      nil,
		"max_pending_session_count":          nil,
		"max_pending_session_resource_slots": nil,
	}
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// nullableSlot encodes a limit for a nullable jsonb column; nil means no limit.
func nullableSlot(rs resources.ResourceSlot) (any, error) {
	if rs == nil {
		return nil, nil
	}
	payload, err := json.Marshal(rs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return payload, nil
}

func unmarshalSlot(payload []byte) (resources.ResourceSlot, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	rs := resources.ResourceSlot{}
	if err := json.Unmarshal(payload, &rs); err != nil {
		return nil, errors.WithStack(err)
	}
	return rs, nil
}
