package model

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// AlertFrequency 为提醒频率。
type AlertFrequency string

const (
	FrequencyInstant  AlertFrequency = "INSTANT"
	FrequencyDaily    AlertFrequency = "DAILY"
	FrequencyWeekly   AlertFrequency = "WEEKLY"
	FrequencyDisabled AlertFrequency = "DISABLED"
)

// Normalize 统一大小写；INSTANT 与空值按每日节奏处理。
func (f AlertFrequency) Normalize() AlertFrequency {
	switch AlertFrequency(strings.ToUpper(strings.TrimSpace(string(f)))) {
	case FrequencyWeekly:
		return FrequencyWeekly
	case FrequencyDisabled:
		return FrequencyDisabled
	default:
		return FrequencyDaily
	}
}

// Subscription 表示机构的监控订阅，每个机构至多一条 active 记录。
// 订阅由外部（机构设置）维护，流水线只回写 LastAlertSent。
type Subscription struct {
	ID                 uint                        `gorm:"primaryKey" json:"id"`
	OrganizationID     string                      `gorm:"not null;index:idx_subscription_active_org,unique,where:active = true" json:"organization_id"`
	Email              string                      `json:"email"`
	Active             bool                        `json:"active"`
	Cantons            datatypes.JSONSlice[string] `json:"cantons"`
	AlertTypes         datatypes.JSONSlice[string] `json:"alert_types"`
	AlertCommunes      datatypes.JSONSlice[string] `json:"alert_communes"`
	AlertKeywords      datatypes.JSONSlice[string] `json:"alert_keywords"`
	EmailNotifications bool                        `json:"email_notifications"`
	AppNotifications   bool                        `json:"app_notifications"`
	AlertFrequency     AlertFrequency              `json:"alert_frequency"`
	LastAlertSent      *time.Time                  `json:"last_alert_sent"`
	CreatedAt          time.Time                   `json:"created_at"`
	UpdatedAt          time.Time                   `json:"updated_at"`
}
