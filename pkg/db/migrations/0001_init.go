package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// Run is the migration-time shape of the runs table. One row per workflow run:
// the immutable request, the mutable run log, and resolved outputs all hang off
// the run identifier.
type Run struct {
	ID    uuid.UUID      `gorm:"type:uuid;primaryKey"`
	State string         `gorm:"type:text;not null;index"`

	RequestWorkflowParams      datatypes.JSON `gorm:"type:jsonb"`
	RequestWorkflowType        string         `gorm:"type:text;not null"`
	RequestWorkflowTypeVersion string         `gorm:"type:text;not null"`
	RequestEngineParams        datatypes.JSON `gorm:"type:jsonb"`
	RequestWorkflowURL         string         `gorm:"type:text;not null"`
	RequestTags                datatypes.JSON `gorm:"type:jsonb"`

	LogName      string     `gorm:"type:text"`
	LogCmd       string     `gorm:"type:text"`
	LogTaskID    string     `gorm:"type:text"`
	LogStartTime *time.Time `gorm:"type:timestamptz"`
	LogEndTime   *time.Time `gorm:"type:timestamptz"`
	LogStdout    string     `gorm:"type:text;not null;default:''"`
	LogStderr    string     `gorm:"type:text;not null;default:''"`
	LogExitCode  *int       `gorm:"type:integer"`

	Outputs datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (Run) TableName() string { return "runs" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	orm, err := ormFromTx(tx)
	if err != nil {
		return err
	}
	return orm.WithContext(ctx).AutoMigrate(&Run{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	orm, err := ormFromTx(tx)
	if err != nil {
		return err
	}
	return orm.WithContext(ctx).Migrator().DropTable(&Run{})
}

func ormFromTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}
