package abode

import (
	"encoding/json"
	"strconv"
	"time"
)

// Device represents a physical or virtual Abode device. Identity is the
// device ID; attribute values are refreshed in place as new state arrives.
type Device struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	TypeTag     string `json:"type_tag"`
	GenericType string `json:"generic_type"`
	Status      string `json:"status"`
	Faults      Faults `json:"faults"`

	// LastUpdated is set client-side whenever new state is merged in.
	LastUpdated time.Time `json:"-"`
}

// Faults are the per-device fault flags reported by the panel.
type Faults struct {
	LowBattery       int `json:"low_battery"`
	Tempered         int `json:"tempered"`
	NoResponse       int `json:"no_response"`
	OutOfOrder       int `json:"out_of_order"`
	Jammed           int `json:"jammed"`
	ZoneFault        int `json:"zone_fault"`
	ACFault          int `json:"ac_fault"`
	SupervisionFault int `json:"supervision"`
}

// BatteryLow reports whether the device flagged a low battery.
func (d *Device) BatteryLow() bool {
	return d.Faults.LowBattery == 1
}

// NoResponse reports whether the device stopped responding to the panel.
func (d *Device) NoResponse() bool {
	return d.Faults.NoResponse == 1
}

// merge copies new state onto the device, preserving its identity. Empty
// incoming fields do not clobber known values.
func (d *Device) merge(doc *Device, now time.Time) {
	if doc.Name != "" {
		d.Name = doc.Name
	}
	if doc.Type != "" {
		d.Type = doc.Type
	}
	if doc.TypeTag != "" {
		d.TypeTag = doc.TypeTag
	}
	if doc.GenericType != "" {
		d.GenericType = doc.GenericType
	}
	d.Status = doc.Status
	d.Faults = doc.Faults
	d.LastUpdated = now
}

// Alarm modes accepted by the panel.
const (
	ModeAway    = "away"
	ModeHome    = "home"
	ModeStandby = "standby"
)

// Alarm is the panel itself, exposed as an armable device.
type Alarm struct {
	Device
	Mode string
}

// alarmDeviceID builds the synthetic device id for a panel area.
func alarmDeviceID(area string) string {
	return "area_" + area
}

// Panel is the account's panel metadata as returned by login and the
// panel endpoint.
type Panel struct {
	Version string    `json:"version"`
	Online  FlexBool  `json:"online"`
	Mode    PanelMode `json:"mode"`
	MAC     string    `json:"mac"`
	Model   string    `json:"model"`
}

// PanelMode carries the per-area arm mode.
type PanelMode struct {
	Area1 string `json:"area_1"`
	Area2 string `json:"area_2"`
}

// User is the account metadata returned by login.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Automation is a CUE automation configured on the account.
type Automation struct {
	ID      FlexID `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// TimelineEvent is an immutable record of a security event.
type TimelineEvent struct {
	ID         FlexID `json:"id"`
	EventCode  string `json:"event_code"`
	EventType  string `json:"event_type"`
	EventName  string `json:"event_name"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Date       string `json:"date"`
	Time       string `json:"time"`
}

// FlexID tolerates the API returning ids as either JSON strings or numbers.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string {
	return string(f)
}

// FlexBool tolerates booleans encoded as true/false, 0/1, or "0"/"1".
type FlexBool bool

func (f *FlexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = FlexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = s == "1" || s == "true"
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = n != 0
	return nil
}

// loginResponse is the body of a successful (or MFA-challenged) login.
type loginResponse struct {
	Token   string          `json:"token"`
	MFAType string          `json:"mfa_type"`
	Panel   json.RawMessage `json:"panel"`
	User    *User           `json:"user"`
}

// claimsResponse carries the OAuth bearer token issued after login.
type claimsResponse struct {
	AccessToken string `json:"access_token"`
}

// timelineActionResponse is returned by timeline acknowledge/dismiss.
type timelineActionResponse struct {
	Code    FlexID `json:"code"`
	Message string `json:"message"`
	TID     FlexID `json:"tid"`
}

// apiErrorBody is the error envelope the API uses on failures.
type apiErrorBody struct {
	Code    int    `json:"errorCode"`
	Message string `json:"message"`
}

// parseRetryAfter interprets a Retry-After header value in seconds.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
