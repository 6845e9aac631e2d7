package service

import (
	"errors"
	"testing"
	"time"

	"panelstore/database"
	"panelstore/database/model"
)

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"database is locked", true},
		{"Deadlock found when trying to get lock", true},
		{"dial tcp: connection refused", true},
		{"context deadline exceeded: request timed out", true},
		{"record not found", true},
		{"duplicate email: client already exists", false},
		{"insufficient capacity on inbound 3", false},
		{"invalid username or password", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isTransientError(tt.msg); got != tt.want {
			t.Errorf("isTransientError(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func seedFailedJob(t *testing.T, handler, payload, errMsg string) *model.FailedJob {
	t.Helper()
	job := &model.FailedJob{
		Queue:    "provision",
		Handler:  handler,
		Payload:  payload,
		Error:    errMsg,
		Attempts: 1,
		FailedAt: time.Now().Add(-time.Minute),
	}
	if err := database.GetDB().Create(job).Error; err != nil {
		t.Fatal(err)
	}
	return job
}

func TestSweepRedrivesTransientJobs(t *testing.T) {
	setup(t)
	sweeper := NewRetrySweepService()

	var handled []string
	sweeper.Register("provision.retry", func(payload string) error {
		handled = append(handled, payload)
		return nil
	})

	job := seedFailedJob(t, "provision.retry", "17", "connection refused")
	seedFailedJob(t, "provision.retry", "18", "invalid plan") // not transient
	seedFailedJob(t, "other.handler", "19", "timeout")        // no handler

	report, err := sweeper.Sweep(0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Scanned != 3 || report.Requeued != 1 || report.Succeeded != 1 || report.Skipped != 2 {
		t.Fatalf("report = %+v", report)
	}
	if len(handled) != 1 || handled[0] != "17" {
		t.Errorf("handled payloads = %v, want [17]", handled)
	}

	var reloaded model.FailedJob
	database.GetDB().First(&reloaded, job.Id)
	if reloaded.RetriedAt == nil || reloaded.Attempts != 2 {
		t.Errorf("retried job not marked: retried_at=%v attempts=%d", reloaded.RetriedAt, reloaded.Attempts)
	}

	// a second sweep finds nothing re-drivable
	report, err = sweeper.Sweep(0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Requeued != 0 {
		t.Errorf("second sweep requeued %d jobs", report.Requeued)
	}
}

func TestSweepRecordsRepeatFailureAsFreshEntry(t *testing.T) {
	setup(t)
	sweeper := NewRetrySweepService()
	sweeper.Register("provision.retry", func(payload string) error {
		return errors.New("connection reset by peer")
	})

	seedFailedJob(t, "provision.retry", "23", "timed out")

	report, err := sweeper.Sweep(0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Requeued != 1 || report.Failed != 1 {
		t.Fatalf("report = %+v", report)
	}

	// the original keeps its retried_at, the repeat failure is a new row
	// with the attempt count carried forward
	var jobs []model.FailedJob
	database.GetDB().Order("id").Find(&jobs)
	if len(jobs) != 2 {
		t.Fatalf("expected 2 dead letters, got %d", len(jobs))
	}
	if jobs[0].RetriedAt == nil {
		t.Error("original job lost its retried_at mark")
	}
	if jobs[1].RetriedAt != nil || jobs[1].Attempts != 2 {
		t.Errorf("fresh entry = %+v", jobs[1])
	}
	if jobs[1].Error != "connection reset by peer" {
		t.Errorf("fresh entry error = %q", jobs[1].Error)
	}
}

func TestSweepHonorsLimit(t *testing.T) {
	setup(t)
	sweeper := NewRetrySweepService()
	ran := 0
	sweeper.Register("provision.retry", func(payload string) error {
		ran++
		return nil
	})

	for i := 0; i < 5; i++ {
		seedFailedJob(t, "provision.retry", "1", "timeout")
	}

	report, err := sweeper.Sweep(2)
	if err != nil {
		t.Fatal(err)
	}
	if report.Requeued != 2 || ran != 2 {
		t.Errorf("limit ignored: requeued=%d ran=%d", report.Requeued, ran)
	}
}

func TestRecordFailure(t *testing.T) {
	setup(t)
	sweeper := NewRetrySweepService()
	sweeper.RecordFailure("provision", "provision.retry", "31", errors.New("timed out"))

	var job model.FailedJob
	if err := database.GetDB().First(&job).Error; err != nil {
		t.Fatal(err)
	}
	if job.Queue != "provision" || job.Handler != "provision.retry" || job.Payload != "31" {
		t.Errorf("dead letter = %+v", job)
	}
	if job.Attempts != 1 || job.Error != "timed out" {
		t.Errorf("dead letter detail = %+v", job)
	}
}
