package browser

import "fmt"

// bindingName is the page-level function the observer reports through.
const bindingName = "__plutoNotifyPrice"

const candidatesJS = `[
  'div[data-name="legend-series-value"]',
  'div[data-name="legend-price"]',
  'span[data-name="last-price-value"]',
  '.tv-symbol-price-quote__value',
  '[data-qa="price"]'
]`

// pricePresentJS evaluates to true once any candidate shows digits.
var pricePresentJS = fmt.Sprintf(`(() => {
  const sels = %s;
  for (const sel of sels) {
    for (const el of document.querySelectorAll(sel)) {
      const t = (el.textContent || '').trim();
      if (/[0-9]/.test(t)) return true;
    }
  }
  return false;
})()`, candidatesJS)

// observerJS installs a MutationObserver plus a 1s interval that both report
// the candidate element's text through the binding. Safe to run twice.
var observerJS = fmt.Sprintf(`(() => {
  if (window.__plutoObserver) return true;
  const sels = %s;
  const find = () => {
    for (const sel of sels) {
      for (const el of document.querySelectorAll(sel)) {
        if (/[0-9]/.test((el.textContent || '').trim())) return el;
      }
    }
    return null;
  };
  let el = find();
  const report = () => {
    if (!el || !el.isConnected) el = find();
    if (!el || typeof window.%[2]s !== 'function') return;
    window.%[2]s(String(el.textContent || ''));
  };
  window.__plutoObserver = new MutationObserver(report);
  window.__plutoObserver.observe(document.documentElement, {subtree: true, childList: true, characterData: true});
  setInterval(report, 1000);
  report();
  return true;
})()`, candidatesJS, bindingName)

// acceptCookiesJS clicks the first visible consent button, if any.
const acceptCookiesJS = `(() => {
  const direct = document.querySelector('[data-name="cookies-accept-all"]');
  if (direct) { direct.click(); return true; }
  const labels = ['accept', 'i agree', 'i accept', 'got it'];
  for (const b of document.querySelectorAll('button')) {
    const t = (b.textContent || '').trim().toLowerCase();
    if (labels.some(l => t.startsWith(l)) && b.offsetParent !== null) { b.click(); return true; }
  }
  return false;
})()`
