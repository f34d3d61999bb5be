package schedulerobjects

import (
	"sort"
	"time"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/resources"
)

type KeypairResourcePolicy struct {
	// TotalResourceSlots limits the keypair's occupancy; nil means no limit.
	TotalResourceSlots resources.ResourceSlot
	// Optional limits; nil means no limit.
	MaxConcurrentSessions          *int
	MaxConcurrentShellSessions     *int
	MaxPendingSessionCount         *int
	MaxPendingSessionResourceSlots resources.ResourceSlot
}

type UserResourcePolicy struct {
	TotalResourceSlots resources.ResourceSlot
}

// DependencyInfo describes a session another session waits on.
type DependencyInfo struct {
	DependsOn SessionID
	Status    SessionStatus
	Result    SessionResult
}

// IsSatisfied reports whether the dependency finished successfully.
func (d DependencyInfo) IsSatisfied() bool {
	return d.Status == SessionStatusTerminated && d.Result == SessionResultSuccess
}

// ResourceOccupancy holds the currently occupied slots per scope.
type ResourceOccupancy struct {
	ByKeypair map[string]resources.ResourceSlot
	ByUser    map[string]resources.ResourceSlot
	ByGroup   map[string]resources.ResourceSlot
	ByDomain  map[string]resources.ResourceSlot
	ByAgent   map[AgentID]resources.ResourceSlot
}

// ResourcePolicies holds the limits per scope. A missing entry means no limit.
type ResourcePolicies struct {
	KeypairPolicies map[string]KeypairResourcePolicy
	UserPolicies    map[string]UserResourcePolicy
	GroupLimits     map[string]resources.ResourceSlot
	DomainLimits    map[string]resources.ResourceSlot
}

// ConcurrencyStats counts active sessions per access key.
type ConcurrencyStats struct {
	SessionsByKeypair      map[string]int
	ShellSessionsByKeypair map[string]int
}

// SnapshotParams are the inputs of NewSystemSnapshot. They are copied, so the caller may reuse them.
type SnapshotParams struct {
	TotalCapacity       resources.ResourceSlot
	Occupancy           ResourceOccupancy
	Policies            ResourcePolicies
	Concurrency         ConcurrencyStats
	PendingSessions     []SessionWorkload
	SessionDependencies map[SessionID][]DependencyInfo
	KnownSlotTypes      map[string]SlotType
	Agents              []AgentInfo
	ScalingGroups       []ScalingGroup
	// EndpointReplicas counts, per endpoint, the replicas already running on each agent.
	EndpointReplicas    map[string]map[AgentID]int
	CreatedAt           time.Time
}

// SystemSnapshot is an immutable point-in-time view of capacity, occupancy, policy and pending work.
// Every accessor returns a copy, so nothing reachable from a snapshot can change after construction.
type SystemSnapshot struct {
	totalCapacity       resources.ResourceSlot
	occupancy           ResourceOccupancy
	policies            ResourcePolicies
	concurrency         ConcurrencyStats
	pendingByKeypair    map[string][]SessionWorkload
	sessionDependencies map[SessionID][]DependencyInfo
	knownSlotTypes      map[string]SlotType
	agents              []AgentInfo
	scalingGroups       map[string]ScalingGroup
	endpointReplicas    map[string]map[AgentID]int
	createdAt           time.Time
}

func NewSystemSnapshot(params SnapshotParams) *SystemSnapshot {
	s := &SystemSnapshot{
		totalCapacity: params.TotalCapacity.DeepCopy(),
		occupancy: ResourceOccupancy{
			ByKeypair: copySlotMap(params.Occupancy.ByKeypair),
			ByUser:    copySlotMap(params.Occupancy.ByUser),
			ByGroup:   copySlotMap(params.Occupancy.ByGroup),
			ByDomain:  copySlotMap(params.Occupancy.ByDomain),
			ByAgent:   copySlotMap(params.Occupancy.ByAgent),
		},
		policies: ResourcePolicies{
			KeypairPolicies: make(map[string]KeypairResourcePolicy, len(params.Policies.KeypairPolicies)),
			UserPolicies:    make(map[string]UserResourcePolicy, len(params.Policies.UserPolicies)),
			GroupLimits:     copySlotMap(params.Policies.GroupLimits),
			DomainLimits:    copySlotMap(params.Policies.DomainLimits),
		},
		concurrency: ConcurrencyStats{
			SessionsByKeypair:      copyCountMap(params.Concurrency.SessionsByKeypair),
			ShellSessionsByKeypair: copyCountMap(params.Concurrency.ShellSessionsByKeypair),
		},
		pendingByKeypair:    make(map[string][]SessionWorkload),
		sessionDependencies: make(map[SessionID][]DependencyInfo, len(params.SessionDependencies)),
		knownSlotTypes:      make(map[string]SlotType, len(params.KnownSlotTypes)),
		agents:              make([]AgentInfo, 0, len(params.Agents)),
		scalingGroups:       make(map[string]ScalingGroup, len(params.ScalingGroups)),
		endpointReplicas:    make(map[string]map[AgentID]int, len(params.EndpointReplicas)),
		createdAt:           params.CreatedAt,
	}
	for k, p := range params.Policies.KeypairPolicies {
		s.policies.KeypairPolicies[k] = copyKeypairPolicy(p)
	}
	for k, p := range params.Policies.UserPolicies {
		s.policies.UserPolicies[k] = UserResourcePolicy{TotalResourceSlots: copyLimit(p.TotalResourceSlots)}
	}
	for _, w := range params.PendingSessions {
		w.RequestedSlots = w.RequestedSlots.DeepCopy()
		s.pendingByKeypair[w.AccessKey] = append(s.pendingByKeypair[w.AccessKey], w)
	}
	for id, deps := range params.SessionDependencies {
		s.sessionDependencies[id] = append([]DependencyInfo(nil), deps...)
	}
	for k, v := range params.KnownSlotTypes {
		s.knownSlotTypes[k] = v
	}
	for _, a := range params.Agents {
		s.agents = append(s.agents, a.DeepCopy())
	}
	sort.Slice(s.agents, func(i, j int) bool { return s.agents[i].ID < s.agents[j].ID })
	for _, sg := range params.ScalingGroups {
		s.scalingGroups[sg.Name] = copyScalingGroup(sg)
	}
	for endpoint, counts := range params.EndpointReplicas {
		s.endpointReplicas[endpoint] = copyCountMap(counts)
	}
	return s
}

func (s *SystemSnapshot) CreatedAt() time.Time {
	return s.createdAt
}

func (s *SystemSnapshot) TotalCapacity() resources.ResourceSlot {
	return s.totalCapacity.DeepCopy()
}

// Occupancy accessors return zero-valued slots for scopes with no running sessions.

func (s *SystemSnapshot) KeypairOccupancy(accessKey string) resources.ResourceSlot {
	return s.occupancy.ByKeypair[accessKey].DeepCopy()
}

func (s *SystemSnapshot) UserOccupancy(userID string) resources.ResourceSlot {
	return s.occupancy.ByUser[userID].DeepCopy()
}

func (s *SystemSnapshot) GroupOccupancy(groupID string) resources.ResourceSlot {
	return s.occupancy.ByGroup[groupID].DeepCopy()
}

func (s *SystemSnapshot) DomainOccupancy(domain string) resources.ResourceSlot {
	return s.occupancy.ByDomain[domain].DeepCopy()
}

func (s *SystemSnapshot) AgentOccupancy(agentID AgentID) resources.ResourceSlot {
	return s.occupancy.ByAgent[agentID].DeepCopy()
}

func (s *SystemSnapshot) KeypairPolicy(accessKey string) (KeypairResourcePolicy, bool) {
	p, ok := s.policies.KeypairPolicies[accessKey]
	if !ok {
		return KeypairResourcePolicy{}, false
	}
	return copyKeypairPolicy(p), true
}

func (s *SystemSnapshot) UserPolicy(userID string) (UserResourcePolicy, bool) {
	p, ok := s.policies.UserPolicies[userID]
	if !ok {
		return UserResourcePolicy{}, false
	}
	return UserResourcePolicy{TotalResourceSlots: copyLimit(p.TotalResourceSlots)}, true
}

func (s *SystemSnapshot) GroupLimit(groupID string) (resources.ResourceSlot, bool) {
	l, ok := s.policies.GroupLimits[groupID]
	return l.DeepCopy(), ok
}

func (s *SystemSnapshot) DomainLimit(domain string) (resources.ResourceSlot, bool) {
	l, ok := s.policies.DomainLimits[domain]
	return l.DeepCopy(), ok
}

func (s *SystemSnapshot) ActiveSessions(accessKey string) int {
	return s.concurrency.SessionsByKeypair[accessKey]
}

func (s *SystemSnapshot) ActiveShellSessions(accessKey string) int {
	return s.concurrency.ShellSessionsByKeypair[accessKey]
}

// PendingSessions returns the workloads queued under accessKey.
func (s *SystemSnapshot) PendingSessions(accessKey string) []SessionWorkload {
	pending := s.pendingByKeypair[accessKey]
	result := make([]SessionWorkload, len(pending))
	copy(result, pending)
	return result
}

func (s *SystemSnapshot) Dependencies(sessionID SessionID) []DependencyInfo {
	return append([]DependencyInfo(nil), s.sessionDependencies[sessionID]...)
}

// IsKnownSlot reports whether name is a registered slot type. An empty registry accepts every name.
func (s *SystemSnapshot) IsKnownSlot(name string) bool {
	if len(s.knownSlotTypes) == 0 {
		return true
	}
	_, ok := s.knownSlotTypes[name]
	return ok
}

func (s *SystemSnapshot) KnownSlotTypes() map[string]SlotType {
	result := make(map[string]SlotType, len(s.knownSlotTypes))
	for k, v := range s.knownSlotTypes {
		result[k] = v
	}
	return result
}

// Agents returns all agents of the snapshot ordered by id.
func (s *SystemSnapshot) Agents() []AgentInfo {
	result := make([]AgentInfo, 0, len(s.agents))
	for _, a := range s.agents {
		result = append(result, a.DeepCopy())
	}
	return result
}

func (s *SystemSnapshot) ScalingGroup(name string) (ScalingGroup, bool) {
	sg, ok := s.scalingGroups[name]
	if !ok {
		return ScalingGroup{}, false
	}
	return copyScalingGroup(sg), true
}

// EndpointReplicas returns how many replicas of endpointID each agent already runs.
func (s *SystemSnapshot) EndpointReplicas(endpointID string) map[AgentID]int {
	return copyCountMap(s.endpointReplicas[endpointID])
}

func copySlotMap[K comparable](m map[K]resources.ResourceSlot) map[K]resources.ResourceSlot {
	result := make(map[K]resources.ResourceSlot, len(m))
	for k, v := range m {
		result[k] = v.DeepCopy()
	}
	return result
}

func copyCountMap[K comparable](m map[K]int) map[K]int {
	result := make(map[K]int, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

// copyLimit keeps nil limits nil so that "no limit" survives the copy.
func copyLimit(rs resources.ResourceSlot) resources.ResourceSlot {
	if rs == nil {
		return nil
	}
	return rs.DeepCopy()
}

func copyIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyKeypairPolicy(p KeypairResourcePolicy) KeypairResourcePolicy {
	return KeypairResourcePolicy{
		TotalResourceSlots:             copyLimit(p.TotalResourceSlots),
		MaxConcurrentSessions:          copyIntPtr(p.MaxConcurrentSessions),
		MaxConcurrentShellSessions:     copyIntPtr(p.MaxConcurrentShellSessions),
		MaxPendingSessionCount:         copyIntPtr(p.MaxPendingSessionCount),
		MaxPendingSessionResourceSlots: copyLimit(p.MaxPendingSessionResourceSlots),
	}
}

func copyScalingGroup(sg ScalingGroup) ScalingGroup {
	sg.MaxContainerCount = copyIntPtr(sg.MaxContainerCount)
	return sg
}
