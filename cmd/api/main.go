package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"classtrack/internal/attendance"
	"classtrack/internal/auth"
	"classtrack/internal/config"
	"classtrack/internal/course"
	"classtrack/internal/docstore"
	"classtrack/internal/httpmiddleware"
	"classtrack/internal/logger"
	"classtrack/internal/model"
	"classtrack/internal/qrcode"
	"classtrack/internal/queue"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, log *zap.Logger) error {
	var store docstore.Store
	var pg *docstore.Postgres
	if cfg.StoreBackend == "memory" {
		store = docstore.NewMemory()
		log.Info("using in-memory document store")
	} else {
		var err error
		pg, err = docstore.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.EnsureSchema(context.Background()); err != nil {
			return err
		}
		store = pg
	}

	redisClient := queue.NewRedisClient(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient, "classtrack:scans")
	}

	users := auth.NewUserService(store)
	courses := course.NewService(store, log)
	qrs := qrcode.NewService(store, log)
	capture := attendance.NewService(store, log)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := queue.Healthy(c.Request.Context(), redisClient)
		storeHealthy := cfg.StoreBackend == "memory" || pg != nil
		status := http.StatusOK
		if !redisHealthy || !storeHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "store": storeHealthy})
	})

	r.POST("/v1/auth/register", func(c *gin.Context) {
		var req struct {
			Name     string `json:"name" binding:"required"`
			Email    string `json:"email" binding:"required,email"`
			Password string `json:"password" binding:"required,min=8"`
			Role     string `json:"role" binding:"required,oneof=student instructor admin"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := users.Register(c.Request.Context(), req.Name, req.Email, req.Password, model.Role(req.Role))
		if err != nil {
			if errors.Is(err, auth.ErrEmailTaken) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			log.Error("register failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
			return
		}
		tokens, err := auth.Issue(user.ID, user.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"user_id":       user.ID,
			"role":          user.Role,
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/auth/login", func(c *gin.Context) {
		var req struct {
			Email    string `json:"email" binding:"required,email"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := users.Authenticate(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			log.Error("login failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		tokens, err := auth.Issue(user.ID, user.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"user_id":       user.ID,
			"role":          user.Role,
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authed := r.Group("/v1", auth.UserAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	teaching := auth.RequireRole(model.RoleInstructor, model.RoleAdmin)

	authed.POST("/courses", teaching, func(c *gin.Context) {
		var req struct {
			Code         string    `json:"code" binding:"required"`
			Name         string    `json:"name" binding:"required"`
			Department   string    `json:"department"`
			Credits      int       `json:"credits"`
			StartDate    time.Time `json:"start_date"`
			EndDate      time.Time `json:"end_date"`
			ThresholdPct float64   `json:"attendance_threshold_pct"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		created, err := courses.CreateCourse(c.Request.Context(), course.CreateCourseInput{
			Code:         req.Code,
			Name:         req.Name,
			Department:   req.Department,
			Credits:      req.Credits,
			StartDate:    req.StartDate,
			EndDate:      req.EndDate,
			InstructorID: auth.FromContext(c).UserID,
			ThresholdPct: req.ThresholdPct,
		})
		if err != nil {
			log.Error("course create failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "course creation failed"})
			return
		}
		c.JSON(http.StatusCreated, created)
	})

	authed.GET("/courses/:id", func(c *gin.Context) {
		found, err := courses.GetCourse(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, found)
	})

	authed.DELETE("/courses/:id", auth.RequireRole(model.RoleAdmin), func(c *gin.Context) {
		if err := courses.DeleteCourseWithAllData(c.Request.Context(), c.Param("id")); err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "course and all owned data deleted"})
	})

	authed.POST("/courses/:id/enroll", func(c *gin.Context) {
		studentID := enrollmentTarget(c)
		if studentID == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "cannot enroll on behalf of another student"})
			return
		}
		if err := courses.Enroll(c.Request.Context(), c.Param("id"), studentID); err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "enrolled"})
	})

	authed.POST("/courses/:id/unenroll", func(c *gin.Context) {
		studentID := enrollmentTarget(c)
		if studentID == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "cannot unenroll on behalf of another student"})
			return
		}
		if err := courses.Unenroll(c.Request.Context(), c.Param("id"), studentID); err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "unenrolled"})
	})

	authed.GET("/courses/:id/attendance-rate", func(c *gin.Context) {
		claims := auth.FromContext(c)
		studentID := c.Query("student_id")
		if claims.Role == model.RoleStudent {
			studentID = claims.UserID
		}
		if studentID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "student_id required"})
			return
		}
		rate, err := capture.CourseRate(c.Request.Context(), c.Param("id"), studentID)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"course_id": c.Param("id"), "student_id": studentID, "rate": rate})
	})

	authed.POST("/courses/:id/sessions", teaching, func(c *gin.Context) {
		var req struct {
			Title            string    `json:"title" binding:"required"`
			StartTime        time.Time `json:"start_time" binding:"required"`
			EndTime          time.Time `json:"end_time" binding:"required"`
			Location         string    `json:"location"`
			LateThresholdMin int       `json:"late_threshold_min"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.LateThresholdMin <= 0 {
			req.LateThresholdMin = int(cfg.LateThreshold / time.Minute)
		}
		created, err := courses.CreateSession(c.Request.Context(), course.CreateSessionInput{
			CourseID:         c.Param("id"),
			Title:            req.Title,
			StartTime:        req.StartTime,
			EndTime:          req.EndTime,
			Location:         req.Location,
			LateThresholdMin: req.LateThresholdMin,
		})
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, created)
	})

	authed.GET("/sessions/:id", func(c *gin.Context) {
		found, err := courses.GetSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, found)
	})

	authed.POST("/sessions/:id/cancel", teaching, func(c *gin.Context) {
		if err := courses.CancelSession(c.Request.Context(), c.Param("id")); err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "session cancelled"})
	})

	authed.POST("/sessions/:id/qr", teaching, func(c *gin.Context) {
		var req struct {
			TTL string `json:"ttl"`
		}
		_ = c.ShouldBindJSON(&req)
		ttl := cfg.QRTTL
		if req.TTL != "" {
			if parsed, err := time.ParseDuration(req.TTL); err == nil && parsed > 0 {
				ttl = parsed
			}
		}
		qr, content, err := qrs.Issue(c.Request.Context(), c.Param("id"), ttl)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"qr_id":      qr.ID,
			"content":    content,
			"expires_at": qr.ExpiresAt,
		})
	})

	authed.GET("/sessions/:id/records", teaching, func(c *gin.Context) {
		records, err := capture.SessionRecords(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	authed.POST("/scan", auth.RequireRole(model.RoleStudent), func(c *gin.Context) {
		var req struct {
			Content  string          `json:"content" binding:"required"`
			Location *model.GeoPoint `json:"location"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := capture.Capture(c.Request.Context(), req.Content, auth.FromContext(c).UserID, req.Location)
		if err != nil {
			respondError(c, log, err)
			return
		}
		if err := q.Publish(c.Request.Context(), queue.Message{Type: queue.TypeScan, Body: []byte(result.Record.ID)}); err != nil {
			log.Warn("queue publish failed", zap.Error(err))
		}
		c.JSON(http.StatusCreated, gin.H{
			"message":   result.Message,
			"record_id": result.Record.ID,
			"status":    result.Record.Status,
			"timestamp": result.Record.Timestamp,
		})
	})

	authed.POST("/records/:id/verify", teaching, func(c *gin.Context) {
		rec, err := capture.Verify(c.Request.Context(), c.Param("id"), auth.FromContext(c).UserID)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	authed.POST("/records/:id/excuse", teaching, func(c *gin.Context) {
		rec, err := capture.Excuse(c.Request.Context(), c.Param("id"), auth.FromContext(c).UserID)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}

// enrollmentTarget resolves whose enrollment is being changed: students act
// on themselves, staff pass student_id explicitly.
func enrollmentTarget(c *gin.Context) string {
	claims := auth.FromContext(c)
	var req struct {
		StudentID string `json:"student_id"`
	}
	_ = c.ShouldBindJSON(&req)
	if claims.Role == model.RoleStudent {
		if req.StudentID != "" && req.StudentID != claims.UserID {
			return ""
		}
		return claims.UserID
	}
	return req.StudentID
}

// respondError maps service errors to HTTP statuses and short messages.
// Expected outcomes (duplicates, expired codes) are client errors, not
// operator noise.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, attendance.ErrMalformedQR):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrDuplicateAttendance),
		errors.Is(err, course.ErrAlreadyEnrolled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrQRExpiredOrInactive),
		errors.Is(err, attendance.ErrSessionNotActive),
		errors.Is(err, course.ErrNotEnrolled):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrQRNotFound),
		errors.Is(err, attendance.ErrSessionNotFound),
		errors.Is(err, attendance.ErrRecordNotFound),
		errors.Is(err, course.ErrCourseNotFound),
		errors.Is(err, course.ErrSessionNotFound),
		errors.Is(err, qrcode.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// corsMiddleware allows browser requests from any origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// securityHeaders sets standard response hardening headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
