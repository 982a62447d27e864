package database

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init(dbPath string) error {
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&ToolSetting{}, &ReconnectRecord{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := seedDefaults(); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}

	return nil
}

// seedDefaults creates the default-scope rows for known tools so resolution
// always has a base layer, plus service-level settings. Existing rows are
// left untouched.
func seedDefaults() error {
	toolDefaults := map[string]string{
		"gallery":   `{"page_size":24,"prefetch_strategy":"auto","autoplay_previews":true}`,
		"generator": `{"steps":30,"guidance":5.0,"preset":"balanced"}`,
		"timeline":  `{"snap_to_frames":true,"preview_quality":"medium"}`,
	}
	for tool, payload := range toolDefaults {
		var count int64
		DB.Model(&ToolSetting{}).
			Where("tool_name = ? AND scope = ? AND scope_id = ''", tool, ScopeDefault).
			Count(&count)
		if count == 0 {
			row := ToolSetting{ToolName: tool, Scope: ScopeDefault, Payload: payload}
			if err := DB.Create(&row).Error; err != nil {
				return fmt.Errorf("seed tool defaults for %s: %w", tool, err)
			}
		}
	}

	serviceDefaults := map[string]string{
		"backend_token":     "",
		"reconnect_enabled": "true",
	}
	for key, value := range serviceDefaults {
		var count int64
		DB.Model(&Setting{}).Where("key = ?", key).Count(&count)
		if count == 0 {
			if err := DB.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}

// GetToolSetting returns the payload for one tool+scope layer, or
// gorm.ErrRecordNotFound if the layer has never been written.
func GetToolSetting(tool, scope, scopeID string) (string, error) {
	var row ToolSetting
	err := DB.Where("tool_name = ? AND scope = ? AND scope_id = ?", tool, scope, scopeID).
		First(&row).Error
	if err != nil {
		return "", err
	}
	return row.Payload, nil
}

// SetToolSetting upserts the payload for one tool+scope layer.
func SetToolSetting(tool, scope, scopeID, payload string) error {
	return DB.Where("tool_name = ? AND scope = ? AND scope_id = ?", tool, scope, scopeID).
		Assign(ToolSetting{Payload: payload}).
		FirstOrCreate(&ToolSetting{ToolName: tool, Scope: scope, ScopeID: scopeID, Payload: payload}).Error
}

// DeleteToolSetting removes one tool+scope layer. Default-scope rows are
// protected: deleting them would leave resolution without a base layer.
func DeleteToolSetting(tool, scope, scopeID string) error {
	if scope == ScopeDefault {
		return fmt.Errorf("default scope rows cannot be deleted")
	}
	return DB.Where("tool_name = ? AND scope = ? AND scope_id = ?", tool, scope, scopeID).
		Delete(&ToolSetting{}).Error
}
