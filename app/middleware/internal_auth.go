package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wrap-studio/app/config"
	"wrap-studio/app/logger"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

const (
	HeaderTimestamp    = "x-wrap-timestamp"
	HeaderSignature    = "x-wrap-signature"
	HeaderWorkerSecret = "x-wrap-worker-secret"
)

// InternalAuth 校验内部触发请求：优先 HMAC 签名，其次兼容旧的共享密钥
type InternalAuth struct {
	cfg  config.InternalConfig
	log  *logger.Logger
	seen *cache.Cache
	now  func() time.Time
}

func NewInternalAuth(cfg config.InternalConfig, log *logger.Logger) *InternalAuth {
	skew := time.Duration(cfg.HMACSkewSeconds) * time.Second
	return &InternalAuth{
		cfg:  cfg,
		log:  log,
		seen: cache.New(2*skew, skew),
		now:  time.Now,
	}
}

// Configured 至少配置了一种密钥
func (a *InternalAuth) Configured() bool {
	return a.cfg.WorkerSecret != "" || a.cfg.HMACSecret != ""
}

// Verify 校验请求；rawBody 为原始请求体
func (a *InternalAuth) Verify(r *http.Request, rawBody []byte) bool {
	header := r.Header
	ts := strings.TrimSpace(header.Get(HeaderTimestamp))
	signature := normalizeSignature(header.Get(HeaderSignature))

	if a.cfg.HMACSecret != "" && ts != "" && signature != "" {
		return a.verifySignature(r.Method+" "+r.URL.RequestURI(), ts, signature, rawBody)
	}

	if a.cfg.HMACSecret != "" && !a.cfg.AllowLegacyToken {
		return false
	}
	if a.cfg.WorkerSecret == "" {
		return false
	}

	token := legacyToken(header)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.WorkerSecret)) == 1
}

func (a *InternalAuth) verifySignature(scope, ts, signature string, rawBody []byte) bool {
	sent, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := int64(a.cfg.HMACSkewSeconds)
	diff := a.now().Unix() - sent
	if diff > skew || diff < -skew {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.HMACSecret))
	mac.Write([]byte(ts + "."))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return false
	}

	// 同一接口同一签名在时间窗口内只能使用一次
	if err := a.seen.Add(scope+" "+signature, struct{}{}, cache.DefaultExpiration); err != nil {
		a.log.Warnf("拒绝重放的内部请求: ts=%s", ts)
		return false
	}
	return true
}

// Middleware gin 中间件；未配置任何密钥时返回 503
func (a *InternalAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Configured() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    503,
				"message": "Internal endpoint not configured: missing worker secret",
			})
			c.Abort()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "读取请求体失败"})
				c.Abort()
				return
			}
			body = raw
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		if !a.Verify(c.Request, body) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Unauthorized",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Sign 计算请求签名，CLI 和测试使用
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10) + "."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func normalizeSignature(input string) string {
	value := strings.ToLower(strings.TrimSpace(input))
	return strings.TrimPrefix(value, "sha256=")
}

func legacyToken(header http.Header) string {
	if token := strings.TrimSpace(header.Get(HeaderWorkerSecret)); token != "" {
		return token
	}
	authHeader := strings.TrimSpace(header.Get("Authorization"))
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
