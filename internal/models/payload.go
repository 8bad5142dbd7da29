// Package models provides data model definitions for the tripsync core.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Payload construction. Each entity type carries an explicit allow-list
// of fields per action; a payload is validated against it when built,
// so a stray field can never drift onto the wire and silently break the
// remote contract.

var payloadFields = map[EntityType]map[Action][]string{
	EntityTrip: {
		ActionCreate: {"id", "vehicle_id", "started_at", "ended_at", "start_lat", "start_lon", "end_lat", "end_lon", "distance_km", "point_count", "purpose", "note", "auto_tracked", "amount_cents", "created_at"},
		ActionUpdate: {"vehicle_id", "purpose", "note", "distance_km", "amount_cents"},
	},
	EntityVehicle: {
		ActionCreate: {"id", "name", "make", "model", "plate", "fiscal_hp", "is_default", "created_at"},
		ActionUpdate: {"name", "make", "model", "plate", "fiscal_hp", "is_default"},
	},
	EntityExpense: {
		ActionCreate: {"id", "trip_id", "category", "amount_cents", "currency", "incurred_at", "note", "receipt_path", "created_at"},
		ActionUpdate: {"trip_id", "category", "amount_cents", "currency", "incurred_at", "note", "receipt_path"},
	},
	EntityUser: {
		ActionUpdate: {"display_name", "email", "locale", "home_address", "work_address"},
	},
	EntityConsent: {
		ActionCreate: {"id", "kind", "granted", "granted_at"},
		ActionUpdate: {"granted", "granted_at"},
	},
	EntityWorkSchedule: {
		ActionCreate: {"id", "weekday", "start_minute", "end_minute", "enabled"},
		ActionUpdate: {"weekday", "start_minute", "end_minute", "enabled"},
	},
	EntityAutoTrackSetting: {
		ActionUpdate: {"enabled", "min_distance_km", "min_duration_s", "schedule_only"},
	},
	EntityLinkedUser: {
		ActionCreate: {"id", "email", "role"},
		ActionUpdate: {"role"},
	},
	EntityCompanyLink: {
		ActionCreate: {"id", "company_id", "employee_code"},
		ActionUpdate: {"employee_code"},
	},
	// Licenses, pro accounts and subscriptions are server-owned: they
	// only ever arrive through the pull pass, so no push payload exists.
	EntityLicense:      {},
	EntityProAccount:   {},
	EntitySubscription: {},
}

// AllowedFields returns the push allow-list for an entity type and
// action, or nil when that pair can never be pushed.
func AllowedFields(t EntityType, a Action) []string {
	actions, ok := payloadFields[t]
	if !ok {
		return nil
	}
	return actions[a]
}

// NewPayload validates fields against the allow-list for (entityType,
// action) and serializes them. Delete carries no payload by contract.
func NewPayload(entityType EntityType, action Action, fields map[string]any) (json.RawMessage, error) {
	if action == ActionDelete {
		if len(fields) > 0 {
			return nil, fmt.Errorf("delete payload must be empty for %s", entityType)
		}
		return nil, nil
	}

	allowed := AllowedFields(entityType, action)
	if allowed == nil {
		return nil, fmt.Errorf("entity type %s does not accept %s pushes", entityType, action)
	}

	allowedSet := make(map[string]bool, len(allowed))
	for _, f := range allowed {
		allowedSet[f] = true
	}

	var rejected []string
	for k := range fields {
		if !allowedSet[k] {
			rejected = append(rejected, k)
		}
	}
	if len(rejected) > 0 {
		sort.Strings(rejected)
		return nil, fmt.Errorf("fields not permitted for %s %s: %v", entityType, action, rejected)
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", entityType, err)
	}
	return data, nil
}

// TripPayload builds the push payload for a trip.
func TripPayload(action Action, t *Trip) (json.RawMessage, error) {
	switch action {
	case ActionCreate:
		return NewPayload(EntityTrip, action, map[string]any{
			"id":           t.ID,
			"vehicle_id":   t.VehicleID,
			"started_at":   t.StartedAt,
			"ended_at":     t.EndedAt,
			"start_lat":    t.StartLat,
			"start_lon":    t.StartLon,
			"end_lat":      t.EndLat,
			"end_lon":      t.EndLon,
			"distance_km":  t.DistanceKm,
			"point_count":  t.PointCount,
			"purpose":      t.Purpose,
			"note":         t.Note,
			"auto_tracked": t.AutoTracked,
			"amount_cents": t.AmountCents,
			"created_at":   t.CreatedAt,
		})
	case ActionUpdate:
		return NewPayload(EntityTrip, action, map[string]any{
			"vehicle_id":   t.VehicleID,
			"purpose":      t.Purpose,
			"note":         t.Note,
			"distance_km":  t.DistanceKm,
			"amount_cents": t.AmountCents,
		})
	default:
		return NewPayload(EntityTrip, action, nil)
	}
}

// VehiclePayload builds the push payload for a vehicle.
func VehiclePayload(action Action, v *Vehicle) (json.RawMessage, error) {
	switch action {
	case ActionCreate:
		return NewPayload(EntityVehicle, action, map[string]any{
			"id":         v.ID,
			"name":       v.Name,
			"make":       v.Make,
			"model":      v.Model,
			"plate":      v.Plate,
			"fiscal_hp":  v.FiscalHP,
			"is_default": v.IsDefault,
			"created_at": v.CreatedAt,
		})
	case ActionUpdate:
		return NewPayload(EntityVehicle, action, map[string]any{
			"name":       v.Name,
			"make":       v.Make,
			"model":      v.Model,
			"plate":      v.Plate,
			"fiscal_hp":  v.FiscalHP,
			"is_default": v.IsDefault,
		})
	default:
		return NewPayload(EntityVehicle, action, nil)
	}
}

// ExpensePayload builds the push payload for an expense.
func ExpensePayload(action Action, e *Expense) (json.RawMessage, error) {
	fields := map[string]any{
		"trip_id":      e.TripID,
		"category":     e.Category,
		"amount_cents": e.AmountCents,
		"currency":     e.Currency,
		"incurred_at":  e.IncurredAt,
		"note":         e.Note,
		"receipt_path": e.ReceiptPath,
	}
	if action == ActionCreate {
		fields["id"] = e.ID
		fields["created_at"] = e.CreatedAt
	}
	if action == ActionDelete {
		fields = nil
	}
	return NewPayload(EntityExpense, action, fields)
}
