// Package routing's domain rule table: the concrete (verb, path) ->
// (subject, payload) mapping for every microservice family spec.md §6
// names (auth.*, programs.*, calendar.*, facilities.*, teaching.*,
// enrollments.*, enrollment-details.*, grades.*, enrollments.atomic.*,
// enrollments.academic.*, enrollments.performance.*). Declarative and
// data-only per Design Notes §9, composed from the small combinator set
// above rather than one handler function per rule -- ~80 rules in the
// original source, matched here family by family.
package routing

// resourceRules declares the conventional list/get/create/update/delete
// quintet for one resource family, the shape the vast majority of the
// original source's ~80 routes share.
func resourceRules(path, subjectPrefix string) []Rule {
	return []Rule{
		{Verb: "GET", Template: path, Subject: subjectPrefix + ".list", Build: Fields(Query("page"), Query("limit"), Query("search"))},
		{Verb: "GET", Template: path + "/:id", Subject: subjectPrefix + ".get", Build: Fields(RequireParam("id"))},
		{Verb: "POST", Template: path, Subject: subjectPrefix + ".create", Build: RawBody()},
		{Verb: "PUT", Template: path + "/:id", Subject: subjectPrefix + ".update", Build: WithParam("id")},
		{Verb: "PATCH", Template: path + "/:id", Subject: subjectPrefix + ".update", Build: WithParam("id")},
		{Verb: "DELETE", Template: path + "/:id", Subject: subjectPrefix + ".delete", Build: Fields(RequireParam("id"))},
	}
}

// DomainRules returns the gateway's full declarative routing table,
// grouped by the microservice families spec.md §6 names.
func DomainRules() []Rule {
	var rules []Rule

	// Curriculum (programs.*): courses and programs, public catalog data
	// cached heavily by C6.
	rules = append(rules, resourceRules("/courses", "programs.courses")...)
	rules = append(rules, resourceRules("/programs", "programs.programs")...)
	rules = append(rules, Rule{
		Verb: "POST", Template: "/courses/:id/publish", Subject: "programs.courses.publish",
		Build: Fields(RequireParam("id")),
	})

	// Facilities (facilities.*): rooms and buildings.
	rules = append(rules, resourceRules("/rooms", "facilities.rooms")...)
	rules = append(rules, resourceRules("/buildings", "facilities.buildings")...)
	rules = append(rules, Rule{
		Verb: "GET", Template: "/rooms/:id/availability", Subject: "facilities.rooms.availability",
		Build: Fields(RequireParam("id"), Query("date")),
	})

	// Calendar (calendar.*): terms, periods, events.
	rules = append(rules, resourceRules("/calendar/periods", "calendar.periods")...)
	rules = append(rules, resourceRules("/calendar/events", "calendar.events")...)
	rules = append(rules, Rule{
		Verb: "GET", Template: "/calendar/terms", Subject: "calendar.terms.list",
		Build: Fields(Query("year")),
	})

	// Teaching (teaching.*): sections and teacher assignments, identity
	// lookups for instructors.
	rules = append(rules, resourceRules("/sections", "teaching.sections")...)
	rules = append(rules, resourceRules("/teachers", "teaching.teachers")...)
	rules = append(rules, Rule{
		Verb: "POST", Template: "/sections/:id/assign-teacher", Subject: "teaching.sections.assignTeacher",
		Build: Fields(RequireParam("id"), Body("body")),
	})

	// Identity (auth.*): out of scope for token minting/validation (spec.md
	// §1), but profile-shaped reads/writes the gateway still intercepts.
	rules = append(rules, resourceRules("/students", "auth.students")...)
	rules = append(rules, Rule{
		Verb: "GET", Template: "/students/:id/profile", Subject: "auth.students.profile",
		Build: Fields(RequireParam("id")),
	})
	rules = append(rules, Rule{
		Verb: "PATCH", Template: "/users/:id/password", Subject: "auth.users.changePassword",
		Build: Fields(RequireParam("id"), RequireAuthContext(), Body("body")),
	})

	// Enrollment (enrollments.*, enrollment-details.*): the bulk of the
	// write-heavy traffic; this family is where the priority ("critical")
	// queue and idempotency guard matter most.
	rules = append(rules, resourceRules("/enrollments", "enrollments.enrollments")...)
	rules = append(rules, resourceRules("/enrollment-details", "enrollment-details.details")...)
	rules = append(rules, Rule{
		Verb: "GET", Template: "/students/:id/enrollments", Subject: "enrollments.enrollments.byStudent",
		Build: Fields(RequireParam("id"), Query("term")),
	})
	rules = append(rules, Rule{
		Verb: "POST", Template: "/atomic-enrollment/enroll", Subject: "enrollments.atomic.enroll",
		Build: Fields(RequireUserID(), Body("body")),
	})
	rules = append(rules, Rule{
		Verb: "POST", Template: "/atomic-enrollment/withdraw", Subject: "enrollments.atomic.withdraw",
		Build: Fields(RequireUserID(), Body("body")),
	})
	rules = append(rules, Rule{
		Verb: "POST", Template: "/atomic-enrollment/swap", Subject: "enrollments.atomic.swap",
		Build: Fields(RequireUserID(), Body("body")),
	})
	rules = append(rules, Rule{
		Verb: "GET", Template: "/students/:id/academic-record", Subject: "enrollments.academic.record",
		Build: Fields(RequireParam("id"), RequireAuthContext()),
	})
	rules = append(rules, Rule{
		Verb: "GET", Template: "/students/:id/academic-standing", Subject: "enrollments.academic.standing",
		Build: Fields(RequireParam("id")),
	})
	rules = append(rules, Rule{
		Verb: "GET", Template: "/students/:id/performance", Subject: "enrollments.performance.summary",
		Build: Fields(RequireParam("id"), Query("term")),
	})
	rules = append(rules, Rule{
		Verb: "GET", Template: "/sections/:id/performance", Subject: "enrollments.performance.bySection",
		Build: Fields(RequireParam("id")),
	})

	// Assessment (grades.*): grades and submitted assessments.
	rules = append(rules, resourceRules("/grades", "grades.grades")...)
	rules = append(rules, resourceRules("/assessments", "grades.assessments")...)
	rules = append(rules, Rule{
		Verb: "POST", Template: "/assessments/:id/submit", Subject: "grades.assessments.submit",
		Build: Fields(RequireParam("id"), RequireUserID(), Body("body")),
	})
	rules = append(rules, Rule{
		Verb: "GET", Template: "/sections/:id/gradebook", Subject: "grades.gradebook.bySection",
		Build: Fields(RequireParam("id")),
	})

	// Notifications and activity feed: volatile, never cached (spec.md
	// §4.3's TTL policy explicitly names these as 1-minute volatile data).
	rules = append(rules, resourceRules("/notifications", "auth.notifications")...)
	rules = append(rules, Rule{
		Verb: "GET", Template: "/students/:id/activity", Subject: "enrollments.activity.byStudent",
		Build: Fields(RequireParam("id"), Query("since")),
	})

	// Schedules: user-scoped, 5-minute TTL family per spec.md §4.3.
	rules = append(rules, Rule{
		Verb: "GET", Template: "/students/:id/schedule", Subject: "teaching.schedules.byStudent",
		Build: Fields(RequireParam("id"), Query("term")),
	})
	rules = append(rules, Rule{
		Verb: "GET", Template: "/teachers/:id/schedule", Subject: "teaching.schedules.byTeacher",
		Build: Fields(RequireParam("id"), Query("term")),
	})

	// Reports/exports: background queue traffic per the bootstrap queue
	// set's "/reports/*", "/exports/*" URL patterns.
	rules = append(rules, Rule{
		Verb: "POST", Template: "/reports/:name/generate", Subject: "enrollments.performance.report",
		Build: Fields(RequireParam("name"), RequireAuthContext(), Body("body")),
	})
	rules = append(rules, Rule{
		Verb: "GET", Template: "/exports/:name", Subject: "enrollments.performance.export",
		Build: Fields(RequireParam("name"), Query("format")),
	})

	// Reserved echo subject for health/integration testing of the
	// dispatch path itself, per spec.md §4.4 step 3.
	rules = append(rules, Rule{
		Verb: "POST", Template: "/queue-test/echo", Subject: "queue.test",
		Build: Fields(Body("payload")),
	})

	return rules
}

// DefaultTable builds the gateway's routing table from DomainRules.
func DefaultTable() *Table {
	return NewTable(DomainRules()...)
}
