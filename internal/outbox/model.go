package outbox

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Record is one event awaiting broker acknowledgement.
type Record struct {
	ID             snowflake.ID   `gorm:"column:id;primaryKey"`
	Topic          string         `gorm:"column:topic"`
	EventType      string         `gorm:"column:event_type"`
	PartitionKey   string         `gorm:"column:partition_key"`
	Payload        datatypes.JSON `gorm:"column:payload"`
	Attempts       int            `gorm:"column:attempts"`
	LastError      *string        `gorm:"column:last_error"`
	NextAttemptAt  time.Time      `gorm:"column:next_attempt_at"`
	DeliveredAt    *time.Time     `gorm:"column:delivered_at"`
	DeadLetteredAt *time.Time     `gorm:"column:dead_lettered_at"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
}

func (Record) TableName() string { return "payment_outbox" }
