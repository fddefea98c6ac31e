package remote

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/livinlefevreloca/fieldsync/internal/db"
)

// Item is one remote entity as returned by the API. Entities are kept as
// generic JSON objects; the engine only interprets the sync-relevant keys.
type Item map[string]any

// ID returns the server id
func (i Item) ID() (int64, bool) {
	return i.Int64("id")
}

// UUID returns the client-visible uuid, if the server echoes one
func (i Item) UUID() string {
	s, _ := i["uuid"].(string)
	return s
}

// UpdatedAt returns the server's last-modified time
func (i Item) UpdatedAt() (time.Time, bool) {
	s, ok := i["updated_at"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Int64 reads an integer field that may be encoded as a number or a string
func (i Item) Int64(key string) (int64, bool) {
	switch v := i[key].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Fields returns a shallow copy of the item without the given nested keys
func (i Item) Fields(exclude ...string) map[string]any {
	out := make(map[string]any, len(i))
	for k, v := range i {
		out[k] = v
	}
	for _, k := range exclude {
		delete(out, k)
	}
	return out
}

// PageMeta is the pagination block of a listing response
type PageMeta struct {
	CurrentPage int `json:"current_page"`
	LastPage    int `json:"last_page"`
	PerPage     int `json:"per_page"`
	Total       int `json:"total"`
}

// Page is one page of a paginated listing
type Page struct {
	Data []Item   `json:"data"`
	Meta PageMeta `json:"meta"`
}

// Identity is the authenticated user and their active company
type Identity struct {
	UserID    int64 `json:"id"`
	CompanyID int64 `json:"company_id"`
}

// ProjectDetail is the essentials graph of one project
type ProjectDetail struct {
	Project   Item
	Property  Item
	Locations []Item
	Rooms     []Item
}

// Nested keys carried inside a project detail payload
const (
	detailProperty  = "property"
	detailLocations = "locations"
	detailRooms     = "rooms"
)

func (d *ProjectDetail) UnmarshalJSON(b []byte) error {
	var raw struct {
		Data Item `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	d.Project = raw.Data.Fields(detailProperty, detailLocations, detailRooms)
	d.Property = asItem(raw.Data[detailProperty])
	d.Locations = asItems(raw.Data[detailLocations])
	d.Rooms = asItems(raw.Data[detailRooms])
	return nil
}

func asItem(v any) Item {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return Item(m)
}

func asItems(v any) []Item {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	items := make([]Item, 0, len(list))
	for _, e := range list {
		if it := asItem(e); it != nil {
			items = append(items, it)
		}
	}
	return items
}

// DeletedRecords lists server ids removed since a checkpoint
type DeletedRecords struct {
	Projects               []int64 `json:"projects"`
	Photos                 []int64 `json:"photos"`
	Notes                  []int64 `json:"notes"`
	Rooms                  []int64 `json:"rooms"`
	Locations              []int64 `json:"locations"`
	Equipment              []int64 `json:"equipment"`
	DamageMaterials        []int64 `json:"damage_materials"`
	DamageMaterialRoomLogs []int64 `json:"damage_material_room_logs"`
	AtmosphericLogs        []int64 `json:"atmospheric_logs"`
	WorkScopeActions       []int64 `json:"work_scope_actions"`

	// ServerDate is the response's HTTP Date header; zero when absent
	ServerDate time.Time `json:"-"`
}

// ByEntityType returns the deleted ids keyed by local entity type. Room
// logs have no local entity and are not included.
func (d *DeletedRecords) ByEntityType() map[db.EntityType][]int64 {
	return map[db.EntityType][]int64{
		db.EntityProject:         d.Projects,
		db.EntityPhoto:           d.Photos,
		db.EntityNote:            d.Notes,
		db.EntityRoom:            d.Rooms,
		db.EntityLocation:        d.Locations,
		db.EntityEquipment:       d.Equipment,
		db.EntityDamageMaterial:  d.DamageMaterials,
		db.EntityAtmosphericLog:  d.AtmosphericLogs,
		db.EntityWorkScopeAction: d.WorkScopeActions,
	}
}

// Collection returns the REST collection path segment for an entity type
func Collection(t db.EntityType) string {
	switch t {
	case db.EntityProject:
		return "projects"
	case db.EntityProperty:
		return "properties"
	case db.EntityLocation:
		return "locations"
	case db.EntityRoom:
		return "rooms"
	case db.EntityNote:
		return "notes"
	case db.EntityPhoto:
		return "photos"
	case db.EntityEquipment:
		return "equipment"
	case db.EntityDamageMaterial:
		return "damage-materials"
	case db.EntityAtmosphericLog:
		return "atmospheric-logs"
	case db.EntityWorkScopeAction:
		return "work-scope-actions"
	default:
		return string(t)
	}
}
