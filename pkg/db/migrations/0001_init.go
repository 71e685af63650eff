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
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// Run is the schema of one model execution record.
type Run struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Status     string            `gorm:"type:text;not null;index"`
	State      string            `gorm:"type:text;not null"`
	Source     string            `gorm:"type:text;not null"`
	InputName  string            `gorm:"type:text"`
	ExitCode   int               `gorm:"not null;default:-1"`
	ErrorKind  string            `gorm:"type:text"`
	Error      string            `gorm:"type:text"`
	Transcript string            `gorm:"type:text"`
	ResultPath string            `gorm:"type:text"`
	ResultKey  string            `gorm:"type:text"`
	ResultSHA  string            `gorm:"column:result_sha256;type:text"`
	Meta       datatypes.JSONMap `gorm:"type:jsonb"`
	DurationMS int64             `gorm:"not null;default:0"`
	CreatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime;index"`
	StartedAt  *time.Time        `gorm:"type:timestamptz"`
	FinishedAt *time.Time        `gorm:"type:timestamptz"`
}

// Observation caches the latest sensor status reported by the fetcher.
type Observation struct {
	ID        int64      `gorm:"type:bigserial;primaryKey"`
	Sensor    string     `gorm:"type:text;not null;index"`
	Status    string     `gorm:"type:text;not null"`
	LatestAt  *time.Time `gorm:"type:timestamptz"`
	Count     int        `gorm:"not null;default:0"`
	CheckedAt time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

// Audit is one recorded run lifecycle event.
type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text;index"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&Run{}, &Observation{}, &Audit{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Audit{}, &Observation{}, &Run{})
}
