package bundler

import (
	"encoding/json"
	"strings"
)

// Bootstrap synthesizes the virtual entry wrapped around the submitted
// module: a fixed error overlay, global error/rejection handlers, and a
// loader that prefers an exported mount(root) function and falls back
// to rendering a default-exported React component.
func Bootstrap(entry string) string {
	quoted, _ := json.Marshal(entry)
	var b strings.Builder
	b.WriteString(`const __overlayId = '__app_error_overlay';
function showErrorOverlay(message, detail) {
  try {
    console.error('[app:error]', message, detail || '');
    let el = document.getElementById(__overlayId);
    if (el) { const m = el.querySelector('.__msg'); if (m) m.textContent = String(message || 'Error'); return; }
    el = document.createElement('div');
    el.id = __overlayId;
    el.style.position = 'fixed'; el.style.inset = '0'; el.style.background = 'transparent'; el.style.zIndex = '2147483647';
    const box = document.createElement('div');
    box.style.position = 'absolute'; box.style.left = '50%'; box.style.top = '16px'; box.style.transform = 'translateX(-50%)';
    box.style.maxWidth = '90%'; box.style.fontFamily = 'ui-sans-serif,system-ui,-apple-system,Segoe UI,Roboto,Helvetica,Arial';
    box.style.background = '#fee2e2'; box.style.color = '#991b1b'; box.style.border = '1px solid #fecaca';
    box.style.borderRadius = '12px'; box.style.padding = '12px 14px'; box.style.boxShadow = '0 4px 20px rgba(0,0,0,0.08)';
    const title = document.createElement('div'); title.style.fontWeight = '600'; title.style.marginBottom = '4px'; title.textContent = 'App error';
    const msg = document.createElement('div'); msg.className = '__msg'; msg.style.whiteSpace = 'pre-wrap'; msg.style.fontSize = '13px'; msg.textContent = String(message || 'Unknown error');
    const tip = document.createElement('div'); tip.style.marginTop = '6px'; tip.style.fontSize = '12px'; tip.style.color = '#7f1d1d';
    const m = String(message || '').toLowerCase();
    tip.textContent = m.includes('usecontext') ? 'Tip: React hooks crash detected. Check for SES/lockdown or duplicate React copies.' : 'Open console for details.';
    box.appendChild(title); box.appendChild(msg); box.appendChild(tip); el.appendChild(box); document.body.appendChild(el);
  } catch {}
}
(function attachGlobalHandlers() {
  const once = '__app_err_handlers__'; if (window[once]) return; window[once] = true;
  window.addEventListener('error', (e) => { try { showErrorOverlay(e?.message || 'Script error', e?.error); } catch {} });
  window.addEventListener('unhandledrejection', (e) => { const r = e?.reason; const msg = (r && (r.message || String(r))) || 'Unhandled rejection'; try { showErrorOverlay(msg, r); } catch {} });
})();
function ensureRoot() { let el = document.getElementById('root'); if (!el) { el = document.createElement('div'); el.id = 'root'; document.body.appendChild(el); } return el; }
(async () => {
  const root = ensureRoot();
  let mod;
  try { mod = await import(`)
	b.Write(quoted)
	b.WriteString(`); } catch (e) { showErrorOverlay((e && (e.message || String(e))) || 'Failed to load app module', e); throw e; }
  try {
    if (typeof mod.mount === 'function') {
      const res = await mod.mount(root); void res; return;
    }
    if (mod.default) {
      const React = await import('react');
      const { createRoot } = await import('react-dom/client');
      const el = React.createElement(mod.default);
      createRoot(root).render(el);
      return;
    }
    console.error("App bundle has neither a default export nor a 'mount' function.");
  } catch (e) {
    showErrorOverlay((e && (e.message || String(e))) || 'App render failed', e);
    throw e;
  }
})().catch((err) => console.error('bootstrap_failed', err));
`)
	return b.String()
}

// IndexHTML is the preview shell written next to the generated bundle.
func IndexHTML() string {
	return strings.Join([]string{
		"<!doctype html>",
		`<html lang="en">`,
		"<head>",
		`  <meta charset="utf-8" />`,
		`  <meta name="viewport" content="width=device-width,initial-scale=1" />`,
		"  <style>html,body{margin:0;padding:0} body{overflow-x:hidden} #root{min-height:100vh}</style>",
		`  <link rel="stylesheet" href="./styles.css" />`,
		"</head>",
		"<body>",
		`  <div id="root"></div>`,
		`  <script type="module" src="./app.js"></script>`,
		"</body>",
		"</html>",
	}, "\n")
}
