package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/promptgate/promptgate/internal/models"
	"github.com/promptgate/promptgate/internal/settings"
)

// loginRequest captures admin credentials.
type loginRequest struct {
	Username string `json:"username"` // Admin login name.
	Password string `json:"password"` // Plaintext password, compared against the stored hash.
}

// handleAdminLogin verifies credentials and issues a short-lived JWT.
func (s *Server) handleAdminLogin(c *gin.Context) {
	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	username := strings.TrimSpace(body.Username)
	if username == "" || body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	var admin models.Admin
	if errFind := s.db.WithContext(c.Request.Context()).Where("username = ?", username).First(&admin).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if errCompare := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(body.Password)); errCompare != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": strconv.FormatUint(admin.ID, 10),
		"iat": now.Unix(),
		"exp": now.Add(s.jwtCfg.Expiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, errSign := token.SignedString([]byte(s.jwtCfg.Secret))
	if errSign != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token signing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed, "expires_in_seconds": int64(s.jwtCfg.Expiry.Seconds())})
}

// handleListSettings returns every known dynamic config key with its stored
// value, if any. Values come from the counter store, so the listing always
// reflects what running instances resolve.
func (s *Server) handleListSettings(c *gin.Context) {
	ctx := c.Request.Context()
	out := make([]gin.H, 0, len(settings.KnownKeys))
	for key := range settings.KnownKeys {
		entry := gin.H{"key": key}
		if raw, ok := s.settings.Value(ctx, key); ok {
			entry["value"] = raw
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"settings": out})
}

// updateSettingRequest captures the payload for updating a setting.
type updateSettingRequest struct {
	Value json.RawMessage `json:"value"` // New JSON value.
}

// handleUpdateSetting validates and writes a setting to the counter store
// and its durable mirror.
func (s *Server) handleUpdateSetting(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	var body updateSettingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if errValidate := settings.ValidateValue(key, body.Value); errValidate != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errValidate.Error()})
		return
	}

	ctx := c.Request.Context()
	row := models.Setting{Key: key, Value: []byte(body.Value)}
	if errUpsert := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error; errUpsert != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persist setting failed"})
		return
	}
	if errSet := s.settings.SetValue(ctx, key, body.Value); errSet != nil {
		storeFailure(c, errSet)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": body.Value})
}

// handleDeleteSetting removes a stored value, restoring the compiled default.
func (s *Server) handleDeleteSetting(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if _, ok := settings.KnownKeys[key]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown key"})
		return
	}
	ctx := c.Request.Context()
	if errDelete := s.db.WithContext(ctx).Where("key = ?", key).Delete(&models.Setting{}).Error; errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete setting failed"})
		return
	}
	if errDrop := s.settings.DeleteValue(ctx, key); errDrop != nil {
		storeFailure(c, errDrop)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "deleted": true})
}

// handleListUsage returns the newest usage ledger rows for operator review.
func (s *Server) handleListUsage(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if parsed, errParse := strconv.Atoi(raw); errParse == nil {
			limit = parsed
		}
	}
	rows, errList := s.recorder.ListRecent(c.Request.Context(), c.Query("identity"), limit)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list usage failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"id":           row.ID,
			"identity":     row.Identity,
			"cost_micros":  row.CostMicros,
			"estimated":    row.Estimated,
			"requested_at": row.RequestedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"usage": out})
}
