package model

import "time"

// AlertLevel info, warning, critical
type AlertLevel uint8

const (
	_alert_level_beg AlertLevel = iota
	AlertInfo
	AlertWarning
	AlertCritical
	_alert_level_end
)

var alertLevelNames = map[AlertLevel]string{
	AlertInfo:     "info",
	AlertWarning:  "warning",
	AlertCritical: "critical",
}

func (l AlertLevel) IsAvailable() bool {
	return l > _alert_level_beg && l < _alert_level_end
}

func (l AlertLevel) String() string {
	if name, ok := alertLevelNames[l]; ok {
		return name
	}
	return "unknown"
}

func ParseAlertLevel(s string) AlertLevel {
	for level, name := range alertLevelNames {
		if name == s {
			return level
		}
	}
	return _alert_level_beg
}

func (l AlertLevel) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

func (l *AlertLevel) UnmarshalJSON(data []byte) error {
	*l = ParseAlertLevel(unquote(data))
	return nil
}

// Alert is a backend-raised condition awaiting operator acknowledgement.
type Alert struct {
	ID         string     `json:"id"`
	Level      AlertLevel `json:"level"`
	Title      string     `json:"title"`
	Detail     string     `json:"detail,omitempty"`
	InstanceID string     `json:"instanceId,omitempty"`
	Acked      bool       `json:"acked"`
	RaisedAt   time.Time  `json:"raisedAt"`
}
