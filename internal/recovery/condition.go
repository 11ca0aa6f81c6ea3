package recovery

import "strings"

// Condition selects the errors a strategy applies to.
type Condition interface {
	Matches(ec ErrorContext) bool
}

type SeverityIn []Severity

func (s SeverityIn) Matches(ec ErrorContext) bool {
	for _, v := range s {
		if ec.Severity == v {
			return true
		}
	}
	return false
}

type CategoryIn []Category

func (c CategoryIn) Matches(ec ErrorContext) bool {
	for _, v := range c {
		if ec.Category == v {
			return true
		}
	}
	return false
}

// MessageContains matches when any needle occurs in the message, ignoring case.
type MessageContains []string

func (m MessageContains) Matches(ec ErrorContext) bool {
	msg := strings.ToLower(ec.Message)
	for _, needle := range m {
		if needle != "" && strings.Contains(msg, strings.ToLower(needle)) {
			return true
		}
	}
	return false
}

type ComponentIs string

func (c ComponentIs) Matches(ec ErrorContext) bool {
	return ec.Component == string(c)
}

// All matches when every condition does. An empty All matches everything.
type All []Condition

func (a All) Matches(ec ErrorContext) bool {
	for _, c := range a {
		if !c.Matches(ec) {
			return false
		}
	}
	return true
}

type Any []Condition

func (a Any) Matches(ec ErrorContext) bool {
	for _, c := range a {
		if c.Matches(ec) {
			return true
		}
	}
	return false
}

type Not struct{ Condition Condition }

func (n Not) Matches(ec ErrorContext) bool {
	return !n.Condition.Matches(ec)
}
