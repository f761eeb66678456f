package report

// SelectorVersion tags the capability table. Bump it when the site's DOM
// changes and entries are re-captured.
const SelectorVersion = "2025-12"

// Role is what an element does on a report surface.
type Role string

const (
	RoleTable     Role = "table"      // container holding thead and tbody
	RoleDateStart Role = "date_start" // start date input
	RoleDateEnd   Role = "date_end"   // end date input
	RoleToggle    Role = "toggle"     // checkbox or radio wrappers, matched by label
	RoleChoice    Role = "choice"     // form items holding a dropdown, matched by label
	RoleSubmit    Role = "submit"     // query button
	RoleNextPage  Role = "next_page"  // pager "next" control
	RoleTotal     Role = "total"      // "共 N 条" text
	RoleLoading   Role = "loading"    // spinner present while a query runs
	RoleEmpty     Role = "empty"      // placeholder shown when there is no data
)

// Selector is one capability entry. CSS may list alternatives separated by
// commas; Text narrows matches to elements whose trimmed text contains it.
// Index picks the nth match when several elements qualify.
type Selector struct {
	CSS   string
	Text  string
	Index int
}

// Selectors is the capability table of one report.
type Selectors map[Role]Selector

var elementUISurface = Selectors{
	RoleTable:     {CSS: ".saas-v5-table, .ant-table, .el-table, table"},
	RoleDateStart: {CSS: `input[placeholder="开始日期"]`},
	RoleDateEnd:   {CSS: `input[placeholder="结束日期"]`},
	RoleToggle:    {CSS: ".el-checkbox, .saas-v5-checkbox-wrapper, .ant-checkbox-wrapper"},
	RoleSubmit:    {CSS: "button", Text: "查询"},
	RoleNextPage:  {CSS: ".el-pagination .btn-next, .saas-v5-pagination-next, .ant-pagination-next"},
	RoleTotal:     {CSS: ".el-pagination__total, .saas-v5-pagination-total-text, .ant-pagination-total-text"},
	RoleLoading:   {CSS: ".el-loading-mask, .saas-v5-spin-spinning, .ant-spin-spinning"},
	RoleEmpty:     {CSS: ".el-table__empty-text, .saas-v5-empty, .ant-empty"},
}

var antRangeSurface = Selectors{
	RoleTable:     {CSS: ".ant-table, table"},
	RoleDateStart: {CSS: `input[placeholder="开始日期"]`},
	RoleDateEnd:   {CSS: `input[placeholder="结束日期"]`},
	RoleToggle:    {CSS: ".ant-radio-wrapper, .ant-checkbox-wrapper, label"},
	RoleSubmit:    {CSS: "button", Text: "查询"},
	RoleNextPage:  {CSS: ".ant-pagination-next"},
	RoleTotal:     {CSS: ".ant-pagination-total-text"},
	RoleLoading:   {CSS: ".ant-spin-spinning"},
	RoleEmpty:     {CSS: ".ant-empty"},
}

var dishSurface = Selectors{
	RoleTable:     {CSS: ".ant-table, table"},
	RoleDateStart: {CSS: `input[placeholder="请选择日期"]`, Index: 1},
	RoleDateEnd:   {CSS: `input[placeholder="请选择日期"]`, Index: 2},
	RoleToggle:    {CSS: ".ant-checkbox-wrapper"},
	RoleChoice:    {CSS: ".ant-form-item, .ant-row"},
	RoleSubmit:    {CSS: "button", Text: "查询"},
	RoleNextPage:  {CSS: ".ant-pagination-next"},
	RoleTotal:     {CSS: ".ant-pagination-total-text"},
	RoleLoading:   {CSS: ".ant-spin-spinning"},
	RoleEmpty:     {CSS: ".ant-empty"},
}

func copySelectors(base Selectors) Selectors {
	out := make(Selectors, len(base))
	for k, v := range base {
		out[k] = v
	}
	return out
}
