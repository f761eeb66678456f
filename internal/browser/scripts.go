package browser

// Every script takes (css, text, index, ...) and returns a JSON string so
// results decode the same way regardless of shape.

const finder = `
	const norm = (s) => (s || '').replace(/\s+/g, ' ').trim();
	const visible = (e) => !!(e.offsetWidth || e.offsetHeight || e.getClientRects().length);
	const within = (root, css, text) => Array.from(root.querySelectorAll(css))
		.filter((e) => !text || norm(e.innerText || e.textContent).includes(text));
	const pick = (css, text, index) => within(document, css, text)[index || 0] || null;
`

func script(params, body string) string {
	return "async (" + params + ") => {" + finder + body + "}"
}

var (
	jsExists = script("css, text, index", `
		const el = pick(css, text, index);
		return JSON.stringify(!!el && visible(el));`)

	jsClick = script("css, text, index", `
		const el = pick(css, text, index);
		if (!el) return JSON.stringify(false);
		el.scrollIntoView({block: 'center'});
		el.click();
		return JSON.stringify(true);`)

	jsText = script("css, text, index", `
		const el = pick(css, text, index);
		return JSON.stringify(el ? norm(el.innerText || el.textContent) : '');`)

	jsHTML = script("css, text, index", `
		const el = pick(css, text, index);
		return JSON.stringify(el ? el.outerHTML : '');`)

	// Native setter plus input/change events so Vue and React pickers see
	// the value; Enter commits date pickers.
	jsFill = script("css, text, index, value", `
		const el = pick(css, text, index);
		if (!el) return JSON.stringify({found: false});
		if (el.value === value) return JSON.stringify({found: true, changed: false});
		const proto = el instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
		Object.getOwnPropertyDescriptor(proto, 'value').set.call(el, value);
		el.focus();
		el.dispatchEvent(new Event('input', {bubbles: true}));
		el.dispatchEvent(new Event('change', {bubbles: true}));
		el.dispatchEvent(new KeyboardEvent('keydown', {key: 'Enter', code: 'Enter', keyCode: 13, bubbles: true}));
		el.blur();
		document.body.dispatchEvent(new KeyboardEvent('keydown', {key: 'Escape', bubbles: true}));
		return JSON.stringify({found: true, changed: true});`)

	// Exact label match first so "按门店" does not hit "按门店分组".
	jsSetChecked = script("css, text, index, label, on", `
		const all = within(document, css, '');
		const el = all.find((e) => norm(e.innerText || e.textContent) === label)
			|| all.find((e) => norm(e.innerText || e.textContent).includes(label));
		if (!el) return JSON.stringify({found: false});
		const input = el.querySelector('input');
		const checked = input ? input.checked : /(^|\s|-)(is-)?checked/.test(el.className);
		if (checked === on) return JSON.stringify({found: true, changed: false});
		(input || el).click();
		return JSON.stringify({found: true, changed: true});`)

	jsChoose = script("css, text, index, control, option", `
		const item = within(document, css, control).sort((a, b) => norm(a.innerText).length - norm(b.innerText).length)[0];
		if (!item) return JSON.stringify({found: false});
		const current = item.querySelector('.ant-select-selection-item, .el-input__inner, .saas-v5-select-selection-item');
		if (current && norm(current.innerText || current.value || current.title) === option) {
			return JSON.stringify({found: true, changed: false});
		}
		const opener = item.querySelector('.ant-select-selector, .el-select, .saas-v5-select-selector') || item;
		opener.dispatchEvent(new MouseEvent('mousedown', {bubbles: true}));
		opener.click();
		await new Promise((r) => setTimeout(r, 400));
		const opt = Array.from(document.querySelectorAll('.ant-select-item-option, .el-select-dropdown__item, .saas-v5-select-item-option'))
			.find((o) => norm(o.innerText || o.textContent) === option);
		if (!opt) return JSON.stringify({found: false});
		opt.click();
		return JSON.stringify({found: true, changed: true});`)

	jsEnabled = script("css, text, index", `
		const el = pick(css, text, index);
		if (!el || !visible(el)) return JSON.stringify({present: false});
		const off = el.disabled || el.getAttribute('aria-disabled') === 'true' || /disabled/.test(el.className)
			|| !!el.closest('.disabled, [aria-disabled="true"]');
		return JSON.stringify({present: true, enabled: !off});`)

	// Innermost block holding the target wins so an outer wrapper that also
	// contains the text does not steal the click.
	jsClickIn = script("css, text, index, tcss, ttext", `
		const blocks = within(document, css, text)
			.filter((b) => within(b, tcss, ttext).length > 0)
			.sort((a, b) => norm(a.innerText).length - norm(b.innerText).length);
		if (!blocks.length) return JSON.stringify(false);
		const target = within(blocks[0], tcss, ttext)[0];
		target.scrollIntoView({block: 'center'});
		target.click();
		return JSON.stringify(true);`)

	jsReady = `() => JSON.stringify(document.readyState)`

	jsOuterHTML = `() => JSON.stringify(document.documentElement.outerHTML)`
)
