// Package canvas implements the LMS port against the Canvas REST API.
package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/gradeloop/internal/platform/timeouts"
	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
)

// Config addresses one course section.
type Config struct {
	BaseURL  string
	Token    string
	CourseID string
	Client   *http.Client
}

// Client is a Canvas LMS client bound to one course.
type Client struct {
	base     string
	token    string
	courseID string
	client   *http.Client
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.CourseID) == "" {
		return nil, fmt.Errorf("canvas: base url and course id are required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: timeouts.HTTPRequest}
	}
	return &Client{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		courseID: cfg.CourseID,
		client:   cfg.Client,
	}, nil
}

var nextLink = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

func (c *Client) coursePath(parts ...string) string {
	return c.base + "/api/v1/courses/" + url.PathEscape(c.courseID) + strings.Join(parts, "")
}

func (c *Client) do(ctx context.Context, method, target string, form url.Values) (*http.Response, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build canvas request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("canvas %s %s: %w", method, req.URL.Path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("canvas %s %s returned %s: %s", method, req.URL.Path, resp.Status, strings.TrimSpace(string(data)))
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, target string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode canvas response: %w", err)
	}
	return nil
}

// getAll follows Link rel="next" headers until the last page.
func getAll[T any](ctx context.Context, c *Client, target string) ([]T, error) {
	var out []T
	for target != "" {
		resp, err := c.do(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		var page []T
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode canvas page: %w", err)
		}
		out = append(out, page...)

		target = ""
		if m := nextLink.FindStringSubmatch(resp.Header.Get("Link")); m != nil {
			target = m[1]
		}
	}
	return out, nil
}

func withQuery(target string, query url.Values) string {
	if query.Get("per_page") == "" {
		query.Set("per_page", "100")
	}
	return target + "?" + query.Encode()
}

type courseJSON struct {
	ID       int64      `json:"id"`
	Name     string     `json:"name"`
	TimeZone string     `json:"time_zone"`
	StartAt  *time.Time `json:"start_at"`
	EndAt    *time.Time `json:"end_at"`
}

type userJSON struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type enrollmentJSON struct {
	UserID          int64      `json:"user_id"`
	CreatedAt       *time.Time `json:"created_at"`
	EnrollmentState string     `json:"enrollment_state"`
	User            userJSON   `json:"user"`
}

type assignmentJSON struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	UnlockAt  *time.Time `json:"unlock_at"`
	DueAt     *time.Time `json:"due_at"`
	LockAt    *time.Time `json:"lock_at"`
	Published bool       `json:"published"`
	Points    *float64   `json:"points_possible"`
}

type overrideJSON struct {
	ID         int64      `json:"id"`
	Title      string     `json:"title"`
	UnlockAt   *time.Time `json:"unlock_at"`
	DueAt      *time.Time `json:"due_at"`
	LockAt     *time.Time `json:"lock_at"`
	StudentIDs []int64    `json:"student_ids"`
}

type submissionJSON struct {
	UserID   int64      `json:"user_id"`
	Score    *float64   `json:"score"`
	PostedAt *time.Time `json:"posted_at"`
	Missing  bool       `json:"missing"`
	Late     bool       `json:"late"`
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

// GetCourseSectionInfo returns the course name, dates and time zone.
func (c *Client) GetCourseSectionInfo(ctx context.Context) (domain.CourseSection, error) {
	var raw courseJSON
	if err := c.getJSON(ctx, c.coursePath(), &raw); err != nil {
		return domain.CourseSection{}, err
	}
	loc := time.UTC
	if raw.TimeZone != "" {
		l, err := time.LoadLocation(raw.TimeZone)
		if err != nil {
			return domain.CourseSection{}, domain.NewConfigError("course "+c.courseID, "unknown time zone %q", raw.TimeZone)
		}
		loc = l
	}
	return domain.CourseSection{
		ID:       id(raw.ID),
		Name:     raw.Name,
		Location: loc,
		StartAt:  deref(raw.StartAt),
		EndAt:    deref(raw.EndAt),
	}, nil
}

// GetStudents lists student enrollments. Registration time is the enrollment
// creation time.
func (c *Client) GetStudents(ctx context.Context) ([]domain.Student, error) {
	q := url.Values{}
	q.Add("type[]", "StudentEnrollment")
	q.Add("state[]", "active")
	q.Add("state[]", "inactive")
	raw, err := getAll[enrollmentJSON](ctx, c, withQuery(c.coursePath("/enrollments"), q))
	if err != nil {
		return nil, fmt.Errorf("get students: %w", err)
	}
	out := make([]domain.Student, 0, len(raw))
	for _, e := range raw {
		status := domain.StudentActive
		if e.EnrollmentState != "active" {
			status = domain.StudentInactive
		}
		out = append(out, domain.Student{
			ID:           id(e.UserID),
			Name:         e.User.Name,
			RegisteredAt: deref(e.CreatedAt),
			Status:       status,
		})
	}
	return out, nil
}

// GetInstructors lists teachers and TAs.
func (c *Client) GetInstructors(ctx context.Context) ([]domain.Person, error) {
	q := url.Values{}
	q.Add("enrollment_type[]", "teacher")
	q.Add("enrollment_type[]", "ta")
	q.Add("include[]", "email")
	raw, err := getAll[userJSON](ctx, c, withQuery(c.coursePath("/users"), q))
	if err != nil {
		return nil, fmt.Errorf("get instructors: %w", err)
	}
	out := make([]domain.Person, 0, len(raw))
	for _, u := range raw {
		out = append(out, domain.Person{ID: id(u.ID), Name: u.Name, Email: u.Email})
	}
	return out, nil
}

// GetAssignments lists assignments with their overrides. Duplicate names are
// a configuration error because snapshots and workspaces are keyed by name.
func (c *Client) GetAssignments(ctx context.Context) ([]domain.Assignment, error) {
	raw, err := getAll[assignmentJSON](ctx, c, withQuery(c.coursePath("/assignments"), url.Values{}))
	if err != nil {
		return nil, fmt.Errorf("get assignments: %w", err)
	}
	seen := make(map[string]string, len(raw))
	out := make([]domain.Assignment, 0, len(raw))
	for _, a := range raw {
		if other, ok := seen[a.Name]; ok {
			return nil, domain.NewConfigError("course "+c.courseID, "assignments %s and %s share the name %q", other, id(a.ID), a.Name)
		}
		seen[a.Name] = id(a.ID)

		overrides, err := getAll[overrideJSON](ctx, c, withQuery(c.coursePath("/assignments/", id(a.ID), "/overrides"), url.Values{}))
		if err != nil {
			return nil, fmt.Errorf("get overrides for %s: %w", a.Name, err)
		}
		assignment := domain.Assignment{
			ID:        id(a.ID),
			Name:      a.Name,
			UnlockAt:  deref(a.UnlockAt),
			DueAt:     deref(a.DueAt),
			LockAt:    deref(a.LockAt),
			Published: a.Published,
			Overrides: make(map[string]domain.Override, len(overrides)),
		}
		if a.Points != nil {
			assignment.PointsPossible = *a.Points
		}
		for _, o := range overrides {
			students := make([]string, 0, len(o.StudentIDs))
			for _, s := range o.StudentIDs {
				students = append(students, id(s))
			}
			assignment.Overrides[id(o.ID)] = domain.Override{
				ID:         id(o.ID),
				Title:      o.Title,
				UnlockAt:   deref(o.UnlockAt),
				DueAt:      deref(o.DueAt),
				LockAt:     deref(o.LockAt),
				StudentIDs: students,
			}
		}
		out = append(out, assignment)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetSubmissions lists the grade state of every student's submission.
func (c *Client) GetSubmissions(ctx context.Context, a domain.Assignment) ([]domain.SubmissionRecord, error) {
	raw, err := getAll[submissionJSON](ctx, c, withQuery(c.coursePath("/assignments/", url.PathEscape(a.ID), "/submissions"), url.Values{}))
	if err != nil {
		return nil, fmt.Errorf("get submissions for %s: %w", a.Name, err)
	}
	out := make([]domain.SubmissionRecord, 0, len(raw))
	for _, s := range raw {
		out = append(out, record(a, s))
	}
	return out, nil
}

// record converts Canvas points into the percentage the engine reports.
func record(a domain.Assignment, s submissionJSON) domain.SubmissionRecord {
	var score *float64
	if s.Score != nil {
		pct := a.PercentOf(*s.Score)
		score = &pct
	}
	return domain.SubmissionRecord{
		StudentID: id(s.UserID),
		Score:     score,
		PostedAt:  deref(s.PostedAt),
		Missing:   s.Missing,
		Late:      s.Late,
	}
}

// UpdateGrade posts score, a percentage, and re-reads the submission to
// confirm Canvas stored the matching points.
func (c *Client) UpdateGrade(ctx context.Context, a domain.Assignment, studentID string, score float64) error {
	target := c.coursePath("/assignments/", url.PathEscape(a.ID), "/submissions/", url.PathEscape(studentID))
	form := url.Values{}
	form.Set("submission[posted_grade]", postedGrade(a, score))
	resp, err := c.do(ctx, http.MethodPut, target, form)
	if err != nil {
		return fmt.Errorf("update grade: %w", err)
	}
	resp.Body.Close()

	var stored submissionJSON
	if err := c.getJSON(ctx, target, &stored); err != nil {
		return fmt.Errorf("re-read grade: %w", err)
	}
	subject := a.ID + "/" + studentID
	if stored.Score == nil {
		return domain.NewVerificationError(domain.VerifyGradeUpload, subject, "posted %v%%, canvas stored no score", score)
	}
	if want := a.PointsFor(score); math.Abs(*stored.Score-want) > domain.ScoreTolerance {
		return domain.NewVerificationError(domain.VerifyGradeUpload, subject, "posted %v%%, canvas stored %v of %v points, want %v", score, *stored.Score, a.PointsPossible, want)
	}
	return nil
}

// postedGrade formats score for submission[posted_grade]. Canvas reads a
// trailing % as a percentage of points_possible; a bare number is points.
func postedGrade(a domain.Assignment, score float64) string {
	grade := strconv.FormatFloat(score, 'f', -1, 64)
	if a.PointsPossible <= 0 {
		return grade
	}
	return grade + "%"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// CreateOverrides creates each override in turn.
func (c *Client) CreateOverrides(ctx context.Context, a domain.Assignment, overrides []domain.Override) error {
	target := c.coursePath("/assignments/", url.PathEscape(a.ID), "/overrides")
	for _, o := range overrides {
		form := url.Values{}
		form.Set("assignment_override[title]", o.Title)
		for _, s := range o.StudentIDs {
			form.Add("assignment_override[student_ids][]", s)
		}
		form.Set("assignment_override[unlock_at]", formatTime(o.UnlockAt))
		form.Set("assignment_override[due_at]", formatTime(o.DueAt))
		form.Set("assignment_override[lock_at]", formatTime(o.LockAt))
		resp, err := c.do(ctx, http.MethodPost, target, form)
		if err != nil {
			return fmt.Errorf("create override %q: %w", o.Title, err)
		}
		resp.Body.Close()
	}
	return nil
}

// DeleteOverrides deletes each override by id.
func (c *Client) DeleteOverrides(ctx context.Context, a domain.Assignment, overrides []domain.Override) error {
	for _, o := range overrides {
		target := c.coursePath("/assignments/", url.PathEscape(a.ID), "/overrides/", url.PathEscape(o.ID))
		resp, err := c.do(ctx, http.MethodDelete, target, nil)
		if err != nil {
			return fmt.Errorf("delete override %s: %w", o.ID, err)
		}
		resp.Body.Close()
	}
	return nil
}

var _ domain.LMS = (*Client)(nil)
