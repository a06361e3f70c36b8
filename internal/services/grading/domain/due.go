package domain

import "time"

// ValidateAssignment checks the dates every rule depends on. Dates earlier
// than the course start usually mean the course was copied from a previous
// term without updating its assignments.
func ValidateAssignment(course CourseSection, assignment Assignment) error {
	subject := "assignment " + assignment.Name
	if assignment.UnlockAt.IsZero() || assignment.DueAt.IsZero() {
		return NewConfigError(subject, "unlock and due dates are required")
	}
	if !course.StartAt.IsZero() {
		if assignment.UnlockAt.Before(course.StartAt) {
			return NewConfigError(subject, "unlock date %s is before course start %s",
				assignment.UnlockAt.Format(time.RFC3339), course.StartAt.Format(time.RFC3339))
		}
		if assignment.DueAt.Before(course.StartAt) {
			return NewConfigError(subject, "due date %s is before course start %s",
				assignment.DueAt.Format(time.RFC3339), course.StartAt.Format(time.RFC3339))
		}
	}
	return ValidateOverrides(assignment)
}

// ValidateOverrides rejects a student appearing in more than one override of
// the same assignment.
func ValidateOverrides(assignment Assignment) error {
	seen := make(map[string]string)
	for _, o := range assignment.SortedOverrides() {
		for _, studentID := range o.StudentIDs {
			if other, ok := seen[studentID]; ok {
				return NewConfigError("assignment "+assignment.Name,
					"student %s appears in overrides %s and %s", studentID, other, o.ID)
			}
			seen[studentID] = o.ID
		}
	}
	return nil
}

// EffectiveDueDate resolves the due date that applies to student. The latest
// covering override competes with the assignment's base due date and the later
// date wins. The returned override is nil when the base date applies.
func EffectiveDueDate(course CourseSection, assignment Assignment, student Student) (time.Time, *Override, error) {
	if err := ValidateAssignment(course, assignment); err != nil {
		return time.Time{}, nil, err
	}
	var latest *Override
	for _, o := range assignment.SortedOverrides() {
		if o.DueAt.IsZero() || !o.HasStudent(student.ID) {
			continue
		}
		if latest == nil || o.DueAt.After(latest.DueAt) {
			o := o
			latest = &o
		}
	}
	if latest == nil || !latest.DueAt.After(assignment.DueAt) {
		return assignment.DueAt, nil, nil
	}
	return latest.DueAt, latest, nil
}
