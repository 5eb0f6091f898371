package modules

import "regexp"

// NewSQLi builds the SQL-injection scanner. The ddl-dml family
// deliberately excludes DROP so it never double-counts against the
// dedicated drop-table family, which scores at 5 on its own.
func NewSQLi() Module {
	unionSelect := regexp.MustCompile(`(?i)\bunion\b[\s\S]{0,40}\bselect\b`)
	booleanTautology := regexp.MustCompile(`(?i)\b(or|and)\b\s*['"]?\s*\d+\s*=\s*\d+|\b(or|and)\b\s*['"]?\w+['"]?\s*=\s*['"]?\w+['"]?\s*--|\b(or|and)\b\s+(true|false)\b`)
	timeBased := regexp.MustCompile(`(?i)\bsleep\s*\(|\bwaitfor\s+delay\b|\bpg_sleep\s*\(|\bbenchmark\s*\(`)
	errorBased := regexp.MustCompile(`(?i)\bextractvalue\s*\(|\bupdatexml\s*\(|\bconvert\s*\(.*using\b|\bexp\s*\(`)
	stackedQuery := regexp.MustCompile(`(?i);\s*(select|insert|update|delete|drop|create|alter|exec|execute)\b`)
	commentDash := regexp.MustCompile(`--[\s$]|--$`)
	commentHash := regexp.MustCompile(`#\s*$|#\s+\S`)
	commentBlock := regexp.MustCompile(`/\*.*?\*/`)
	infoSchema := regexp.MustCompile(`(?i)information_schema|sysobjects|syscolumns|pg_catalog|mysql\.tables`)
	fileIO := regexp.MustCompile(`(?i)\bload_file\s*\(|\binto\s+outfile\b|\binto\s+dumpfile\b`)
	dropTable := regexp.MustCompile(`(?i)\bdrop\s+table\b|\bdrop\s+database\b`)
	ddlDML := regexp.MustCompile(`(?i)\btruncate\s+table\b|\balter\s+table\b|\bcreate\s+table\b|\binsert\s+into\b|\bupdate\b\s+\w+\s+\bset\b|\bdelete\s+from\b`)
	privilege := regexp.MustCompile(`(?i)\bgrant\b\s+\w+|\brevoke\b\s+\w+|\bxp_cmdshell\b`)
	sqlClause := regexp.MustCompile(`(?i)\bwhere\b.{0,40}=`)
	clauseKeywords := regexp.MustCompile(`(?i)\border\s+by\b|\bgroup\s+by\b|\bhaving\b|\blimit\b[\s\S]{0,20}\boffset\b|\blike\s*'%|\bin\s*\(|\bbetween\b`)
	subquery := regexp.MustCompile(`(?i)\(\s*select\b|\bexists\s*\(`)
	adminBypass := regexp.MustCompile(`(?i)admin['"]?\s*--`)

	return &signatureModule{
		name:      "sqli",
		threatTyp: "sqli",
		families: []family{
			{id: "union-select", description: "UNION-based injection", score: 4, re: unionSelect},
			{id: "boolean-tautology", description: "Boolean tautology condition", score: 3, re: booleanTautology},
			{id: "time-based", description: "Time-based blind injection", score: 4, re: timeBased},
			{id: "error-based", description: "Error-based injection", score: 4, re: errorBased},
			{id: "stacked-query", description: "Stacked query injection", score: 5, re: stackedQuery},
			{id: "comment-dash", description: "SQL comment terminator", score: 2, re: commentDash},
			{id: "comment-hash", description: "SQL comment terminator", score: 2, re: commentHash},
			{id: "comment-block", description: "SQL block comment", score: 2, re: commentBlock},
			{id: "info-schema", description: "Information schema probing", score: 3, re: infoSchema},
			{id: "file-io", description: "File read/write via SQL", score: 4, re: fileIO},
			{id: "drop-table", description: "Destructive DDL statement", score: 5, re: dropTable},
			{id: "ddl-dml", description: "Data-modifying statement", score: 3, re: ddlDML},
			{id: "privilege", description: "Privilege escalation statement", score: 3, re: privilege},
			{id: "sql-clause", description: "Raw SQL clause in input", score: 1, re: sqlClause},
			{id: "clause-keyword", description: "SQL clause keyword (order/group by, having, limit/offset, like, in, between)", score: 1, re: clauseKeywords},
			{id: "subquery", description: "Nested subquery", score: 2, re: subquery},
			{id: "admin-bypass", description: "Authentication bypass literal", score: 5, re: adminBypass},
		},
		combos: []combo{
			{
				id:          "union-schema-probe",
				description: "UNION query combined with schema enumeration",
				score:       3,
				check: func(matched map[string]bool, _ []string) bool {
					return matched["union-select"] && matched["info-schema"]
				},
			},
			{
				id:          "blind-timing-union",
				description: "Timing primitive combined with a UNION/OR clause",
				score:       3,
				check: func(matched map[string]bool, _ []string) bool {
					return matched["time-based"] && (matched["union-select"] || matched["boolean-tautology"])
				},
			},
			{
				id:          "stacked-comment",
				description: "Statement terminator paired with a trailing comment",
				score:       2,
				check: func(matched map[string]bool, _ []string) bool {
					return matched["stacked-query"] && (matched["comment-dash"] || matched["comment-hash"] || matched["comment-block"])
				},
			},
		},
	}
}
