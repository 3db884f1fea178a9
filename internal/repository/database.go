package repository

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite" // 纯 Go SQLite 驱动
	"github.com/yuqie6/activityrank/internal/schema"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database 数据库管理器
type Database struct {
	DB            *gorm.DB
	Driver        string
	SchemaVersion int
}

// DatabaseOptions 连接参数
type DatabaseOptions struct {
	Driver string // sqlite / postgres / memory
	DBPath string // sqlite 文件路径
	DSN    string // postgres 连接串
}

// NewDatabase 创建数据库连接
func NewDatabase(opts DatabaseOptions) (*Database, error) {
	var (
		db  *gorm.DB
		err error
	)
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	switch opts.Driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(opts.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
	case "memory":
		// 内存模式：排行榜走 MemoryStore，这里只承载用户资料表
		db, err = gorm.Open(sqlite.Open(":memory:"), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		if err := singleConn(db); err != nil {
			return nil, err
		}
	case "sqlite", "":
		// 确保目录存在
		dir := filepath.Dir(opts.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
		db, err = gorm.Open(sqlite.Open(sqliteDSN(opts.DBPath)), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		// 配置 SQLite WAL 模式
		if err := configureDB(db); err != nil {
			return nil, fmt.Errorf("配置数据库失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %q", opts.Driver)
	}

	d := &Database{DB: db, Driver: opts.Driver}
	if err := migrateWithVersion(db, d); err != nil {
		_ = d.Close()
		return nil, err
	}

	slog.Info("数据库初始化成功", "driver", opts.Driver, "path", opts.DBPath)

	return d, nil
}

// sqliteDSN 附加连接级 pragma（每个连接都需要 busy_timeout）
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&_pragma=busy_timeout(5000)"
	}
	return path + "?_pragma=busy_timeout(5000)"
}

func singleConn(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("获取连接池失败: %w", err)
	}
	// :memory: 每个连接都是独立的库
	sqlDB.SetMaxOpenConns(1)
	return nil
}

// configureDB 配置 SQLite 性能参数
func configureDB(db *gorm.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",   // 启用 WAL 模式，支持并发读写
		"PRAGMA synchronous=NORMAL", // 平衡性能与安全
		"PRAGMA cache_size=10000",   // 增加缓存 (~40MB)
		"PRAGMA temp_store=MEMORY",  // 临时表使用内存
	}

	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return fmt.Errorf("执行 %s 失败: %w", pragma, err)
		}
	}

	return nil
}

// autoMigrate 自动迁移表结构
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&schema.SchemaMeta{},
		&schema.HashField{},
		&schema.ZSetMember{},
		&schema.KeyExpiry{},
		&schema.UserProfile{},
	)
}

const latestSchemaVersion = 1

func migrateWithVersion(db *gorm.DB, out *Database) error {
	if db == nil {
		return fmt.Errorf("db 不能为空")
	}
	if out == nil {
		return fmt.Errorf("out 不能为空")
	}

	// 先确保 schema_meta 存在
	if err := db.AutoMigrate(&schema.SchemaMeta{}); err != nil {
		return fmt.Errorf("创建 schema_meta 失败: %w", err)
	}

	var meta schema.SchemaMeta
	err := db.First(&meta, 1).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			meta = schema.SchemaMeta{ID: 1, SchemaVersion: 0}
			if err := db.Create(&meta).Error; err != nil {
				return fmt.Errorf("初始化 schema_meta 失败: %w", err)
			}
		} else {
			return fmt.Errorf("读取 schema_meta 失败: %w", err)
		}
	}

	cur := meta.SchemaVersion
	out.SchemaVersion = cur

	if cur > latestSchemaVersion {
		return fmt.Errorf("数据库 schema_version=%d 高于当前程序支持的版本=%d", cur, latestSchemaVersion)
	}
	if cur == latestSchemaVersion {
		return nil
	}

	if err := autoMigrate(db); err != nil {
		return fmt.Errorf("迁移数据库失败: %w", err)
	}

	meta.SchemaVersion = latestSchemaVersion
	if err := db.Save(&meta).Error; err != nil {
		return fmt.Errorf("写入 schema_meta 失败: %w", err)
	}
	out.SchemaVersion = latestSchemaVersion
	return nil
}

// Close 关闭数据库连接
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
