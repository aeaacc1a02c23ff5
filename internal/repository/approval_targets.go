package repository

import (
	"fmt"
	"strings"
)

// ApprovalTarget is the responsible party of a rule: exactly one of
// UserTarget or GroupTarget.
type ApprovalTarget interface {
	isApprovalTarget()
}

// UserTarget binds a step to one account.
type UserTarget struct {
	UserID string
}

// GroupTarget binds a step to every resolvable member of a group.
type GroupTarget struct {
	GroupID string
}

func (UserTarget) isApprovalTarget()  {}
func (GroupTarget) isApprovalTarget() {}

// Target converts the rule's nullable target columns into an ApprovalTarget.
// Both or neither being set is an error.
func (r *ApprovalRule) Target() (ApprovalTarget, error) {
	hasUser := r.ApproverUserID != nil && *r.ApproverUserID != ""
	hasGroup := r.ApprovalGroupID != nil && *r.ApprovalGroupID != ""

	switch {
	case hasUser && hasGroup:
		return nil, fmt.Errorf("rule %s sets both approver_user_id and approval_group_id", r.ID)
	case hasUser:
		return UserTarget{UserID: *r.ApproverUserID}, nil
	case hasGroup:
		return GroupTarget{GroupID: *r.ApprovalGroupID}, nil
	default:
		return nil, fmt.Errorf("rule %s sets neither approver_user_id nor approval_group_id", r.ID)
	}
}

// ApproverIdentity is a resolved candidate approver: AccountApprover or
// DirectoryApprover.
type ApproverIdentity interface {
	// Key uniquely identifies the person within a resolution.
	Key() string
	isApproverIdentity()
}

// AccountApprover is a candidate holding an authenticated account.
type AccountApprover struct {
	UserID string
	Email  string
}

// DirectoryApprover is a candidate known only through the approver directory.
type DirectoryApprover struct {
	DirectoryID string
	Email       string
	FullName    string
}

func (a AccountApprover) Key() string   { return "account:" + a.UserID }
func (d DirectoryApprover) Key() string { return "directory:" + d.DirectoryID }

func (AccountApprover) isApproverIdentity()   {}
func (DirectoryApprover) isApproverIdentity() {}

// NormalizeEmail lowercases and trims an email for identity matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
