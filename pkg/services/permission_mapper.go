package services

import (
	"fmt"
	"strings"

	"github.com/TFMV/gatekeeper/pkg/models"
)

var ddlPermissions = map[models.Verb]struct{ table, database string }{
	models.VerbCreate: {models.PermTableCreate, models.PermDatabaseCreate},
	models.VerbDrop:   {models.PermTableDrop, models.PermDatabaseDrop},
	models.VerbAlter:  {models.PermTableAlter, models.PermDatabaseAlter},
}

// RequiredPermission maps a classified statement to the permission it needs.
// Read verbs accept either query:execute or table:select. Every other verb
// needs exactly one token and has no fallback. Unknown verbs need query:admin.
func RequiredPermission(verb models.Verb, kind models.TargetKind) models.PermissionRequirement {
	switch verb {
	case models.VerbSelect, models.VerbShow, models.VerbDescribe, models.VerbExplain, models.VerbUse:
		return models.PermissionRequirement{
			Action: "read",
			AnyOf:  []string{models.PermQueryExecute, models.PermTableSelect},
		}
	case models.VerbInsert:
		return single("insert", models.PermTableInsert)
	case models.VerbUpdate:
		return single("update", models.PermTableUpdate)
	case models.VerbDelete, models.VerbTruncate:
		return single("delete", models.PermTableDelete)
	case models.VerbCreate, models.VerbDrop, models.VerbAlter:
		perms := ddlPermissions[verb]
		action := strings.ToLower(string(verb)) + " " + string(targetOrOther(kind))
		if kind == models.TargetTable || kind == models.TargetView {
			return single(action, perms.table)
		}
		return single(action, perms.database)
	default:
		return single("other", models.PermQueryAdmin)
	}
}

// DenialReason renders the policy message for an unmet requirement.
func DenialReason(req models.PermissionRequirement) string {
	return fmt.Sprintf("No permission for %s (requires %s)", req.Action, req.String())
}

// AccessTypeFor returns the access type rules are evaluated with for verb.
func AccessTypeFor(verb models.Verb) models.AccessType {
	if verb.IsRead() {
		return models.AccessRead
	}
	return models.AccessWrite
}

func single(action, perm string) models.PermissionRequirement {
	return models.PermissionRequirement{Action: action, AnyOf: []string{perm}}
}

func targetOrOther(kind models.TargetKind) models.TargetKind {
	if kind == models.TargetNone {
		return models.TargetOther
	}
	return kind
}
