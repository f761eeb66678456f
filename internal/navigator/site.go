package navigator

import "github.com/hazyhaar/mtcrawl/internal/report"

// Site holds the DOM anchors of the dashboard outside the report surfaces.
type Site struct {
	// Home is where a blank tab is sent before login detection.
	Home    string
	AppHost string
	// LoginHosts are hosts serving the login wall.
	LoginHosts []string
	// LoginMarkers are URL fragments of login pages on the app host.
	LoginMarkers []string
	// UserIndicator, when set, must exist for the session to count as
	// logged in.
	UserIndicator report.Selector

	SelectOrgURL string
	GroupBlock   report.Selector
	GroupButton  report.Selector

	StoreHeader  report.Selector
	StoreTrigger report.Selector
	StoreDialog  report.Selector
	StoreRow     report.Selector
	StoreConfirm report.Selector
	StoreClose   report.Selector

	NewVersion report.Selector
	Popups     []report.Selector
}

const modalButtons = ".ant-modal button, .el-dialog button, .el-message-box button, .saas-v5-modal button"

// DefaultSite is the dashboard at pos.meituan.com.
func DefaultSite() Site {
	return Site{
		Home:         report.SiteOrigin + "/web/rms-account#/",
		AppHost:      "pos.meituan.com",
		LoginHosts:   []string{"eepassport.meituan.com", "epassport.meituan.com"},
		LoginMarkers: []string{"/login", "passport"},
		SelectOrgURL: report.SelectOrgURL,
		GroupBlock:   report.Selector{CSS: "div, li", Text: report.GroupName},
		GroupButton:  report.Selector{CSS: "button, a, span", Text: "选 择"},
		StoreHeader:  report.Selector{CSS: "header, .header, .layout-header, #app"},
		StoreTrigger: report.Selector{CSS: ".header span, .header div, header span, header div", Text: "商户号"},
		StoreDialog:  report.Selector{CSS: ".ant-modal-content, .el-dialog, .saas-v5-modal-content"},
		StoreRow:     report.Selector{CSS: ".ant-modal-content tr, .ant-modal-content li, .el-dialog tr, .el-dialog li"},
		StoreConfirm: report.Selector{CSS: modalButtons, Text: "确定"},
		StoreClose:   report.Selector{CSS: ".ant-modal-close, .el-dialog__headerbtn, .saas-v5-modal-close"},
		NewVersion:   report.Selector{CSS: "button, a, span", Text: "切换新版"},
		Popups: []report.Selector{
			{CSS: modalButtons, Text: "我知道了"},
			{CSS: modalButtons, Text: "知道了"},
			{CSS: modalButtons, Text: "跳过"},
			{CSS: modalButtons, Text: "关闭"},
			{CSS: modalButtons, Text: "取消"},
			{CSS: ".ant-modal-close, .el-dialog__headerbtn, .el-message-box__headerbtn"},
		},
	}
}
