package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"classtrack/internal/attendance"
	"classtrack/internal/config"
	"classtrack/internal/course"
	"classtrack/internal/docstore"
	"classtrack/internal/logger"
	"classtrack/internal/queue"
)

// Worker consumes scan events and audits each student's attendance rate
// against the course threshold. Pure observability: it never writes to the
// store, so a lost or duplicated message costs nothing.
func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	var store docstore.Store
	if cfg.StoreBackend == "memory" {
		store = docstore.NewMemory()
	} else {
		pg, err := docstore.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("store connect failed", zap.Error(err))
		}
		defer pg.Close()
		store = pg
	}

	redisClient := queue.NewRedisClient(cfg.RedisAddr)
	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient, "classtrack:scans")
	}

	att := attendance.NewService(store, log)
	courses := course.NewService(store, log)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatal("queue consume init failed", zap.Error(err))
	}

	log.Info("worker started, waiting for scan events")
	for msg := range messages {
		if msg.Type != queue.TypeScan {
			continue
		}
		recordID := string(msg.Body)

		rec, err := att.GetRecord(ctx, recordID)
		if err != nil {
			log.Warn("fetch record failed", zap.String("record_id", recordID), zap.Error(err))
			continue
		}
		crs, err := courses.GetCourse(ctx, rec.CourseID)
		if err != nil {
			log.Warn("fetch course failed", zap.String("course_id", rec.CourseID), zap.Error(err))
			continue
		}
		rate, err := att.CourseRate(ctx, rec.CourseID, rec.StudentID)
		if err != nil {
			log.Warn("rate computation failed", zap.String("student_id", rec.StudentID), zap.Error(err))
			continue
		}

		if rate*100 < crs.AttendanceThresholdPct {
			log.Warn("student below attendance threshold",
				zap.String("student_id", rec.StudentID),
				zap.String("course_id", crs.ID),
				zap.Float64("rate_pct", rate*100),
				zap.Float64("threshold_pct", crs.AttendanceThresholdPct))
		} else {
			log.Debug("attendance rate ok",
				zap.String("student_id", rec.StudentID),
				zap.String("course_id", crs.ID),
				zap.Float64("rate_pct", rate*100))
		}
	}

	log.Info("worker stopped")
}
