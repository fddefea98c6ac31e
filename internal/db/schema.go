package db

import "time"

// EntityType names a synced entity collection
type EntityType string

const (
	EntityProject         EntityType = "project"
	EntityProperty        EntityType = "property"
	EntityLocation        EntityType = "location"
	EntityRoom            EntityType = "room"
	EntityNote            EntityType = "note"
	EntityPhoto           EntityType = "photo"
	EntityEquipment       EntityType = "equipment"
	EntityDamageMaterial  EntityType = "damage_material"
	EntityAtmosphericLog  EntityType = "atmospheric_log"
	EntityWorkScopeAction EntityType = "work_scope_action"
)

// EntityTypes lists every synced entity type in graph order, parents first
var EntityTypes = []EntityType{
	EntityProject,
	EntityProperty,
	EntityLocation,
	EntityRoom,
	EntityNote,
	EntityPhoto,
	EntityEquipment,
	EntityDamageMaterial,
	EntityAtmosphericLog,
	EntityWorkScopeAction,
}

// PushPriority orders outbound operations so parents are pushed before
// their children
func PushPriority(t EntityType) int {
	for i, et := range EntityTypes {
		if et == t {
			return i
		}
	}
	return len(EntityTypes)
}

// SyncStatus is the lifecycle state shared by records and outbound operations
type SyncStatus string

const (
	StatusPending  SyncStatus = "PENDING"
	StatusSyncing  SyncStatus = "SYNCING"
	StatusSynced   SyncStatus = "SYNCED"
	StatusConflict SyncStatus = "CONFLICT"
	StatusFailed   SyncStatus = "FAILED"
)

// OperationType is the kind of mutation an outbound operation carries
type OperationType string

const (
	OpCreate OperationType = "CREATE"
	OpUpdate OperationType = "UPDATE"
	OpDelete OperationType = "DELETE"
)

// Resolution is the user or policy decision applied to a conflict
type Resolution string

const (
	ResolutionKeepLocal  Resolution = "KEEP_LOCAL"
	ResolutionKeepServer Resolution = "KEEP_SERVER"
	ResolutionDismiss    Resolution = "DISMISS"
)

// ConflictType records where a conflict was detected
type ConflictType string

const (
	// ConflictPull is raised when a pull finds a newer remote version of a dirty record
	ConflictPull ConflictType = "PULL_CONFLICT"
	// ConflictUpdate is raised when the remote rejects an update twice with 409
	ConflictUpdate ConflictType = "UPDATE_CONFLICT"
)

// Record is the local copy of one synced entity with its sync metadata
type Record struct {
	LocalID         int64
	EntityType      EntityType
	RemoteID        *int64
	UUID            string
	ProjectRemoteID *int64
	ParentRemoteID  *int64
	Fields          map[string]any
	SyncStatus      SyncStatus
	SyncVersion     int
	IsDirty         bool
	IsDeleted       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastSyncedAt    *time.Time
	// ServerUpdatedAt is the remote updated_at this record was last based on.
	// It is sent back on update so the remote can detect lost updates.
	ServerUpdatedAt  *time.Time
	ConflictAttempts int
}

// OutboundOperation is a queued local mutation waiting to be pushed
type OutboundOperation struct {
	OperationID   string
	EntityType    EntityType
	EntityID      int64
	EntityUUID    string
	OperationType OperationType
	Payload       []byte
	Priority      int
	RetryCount    int
	MaxRetries    int
	Status        SyncStatus
	CreatedAt     time.Time
	ScheduledAt   *time.Time
	LastAttemptAt *time.Time
	CompletedAt   *time.Time
	ErrorMessage  *string
}

// Conflict is a record changed both locally and remotely since the last sync
type Conflict struct {
	ConflictID      string
	EntityType      EntityType
	EntityID        int64
	EntityUUID      string
	EntityRemoteID  *int64
	ConflictType    ConflictType
	LocalSnapshot   map[string]any
	RemoteSnapshot  map[string]any
	ChangedFields   []string
	RemoteUpdatedAt *time.Time
	DetectedAt      time.Time
	ResolvedAt      *time.Time
	Resolution      *Resolution
	ResolvedBy      *string
}

// Checkpoint is the last successful pull time for one sync domain
type Checkpoint struct {
	Key          string
	CheckpointAt time.Time
	UpdatedAt    time.Time
}

// SyncSession is the persisted summary of one metrics session
type SyncSession struct {
	SessionID       string
	StartedAt       time.Time
	EndedAt         time.Time
	TotalOperations int
	SuccessCount    int
	FailureCount    int
	SkipCount       int
	DropCount       int
	ConflictCount   int
	DurationMs      int64
	ByEntityType    map[string]map[string]int
}
