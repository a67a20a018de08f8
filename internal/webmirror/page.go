package webmirror

// viewerPage decodes the frame protocol in-browser: LZ4 block decode,
// XOR-apply for deltas, greyscale canvas render. Frames arriving before
// the first keyframe are discarded, as are deltas after a gap.
const viewerPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Daylight Mirror</title>
<style>
  body { margin: 0; background: #111; color: #999; font: 12px monospace; }
  #bar { padding: 4px 8px; }
  canvas { display: block; margin: 0 auto; max-width: 100vw; }
</style>
</head>
<body>
<div id="bar">connecting…</div>
<canvas id="view"></canvas>
<script>
"use strict";

const bar = document.getElementById("bar");
const canvas = document.getElementById("view");
const ctx2d = canvas.getContext("2d");

let plane = null, width = 0, height = 0;
let lastSeq = -1, frames = 0, lost = 0;

// LZ4 block decode.
function lz4Decode(src, dst) {
  let si = 0, di = 0;
  while (si < src.length) {
    const token = src[si++];
    let litLen = token >> 4;
    if (litLen === 15) {
      let b;
      do { b = src[si++]; litLen += b; } while (b === 255);
    }
    dst.set(src.subarray(si, si + litLen), di);
    si += litLen; di += litLen;
    if (si >= src.length) break; // last sequence has no match
    const offset = src[si] | (src[si + 1] << 8);
    si += 2;
    let matchLen = (token & 15) + 4;
    if (matchLen === 19) {
      let b;
      do { b = src[si++]; matchLen += b; } while (b === 255);
    }
    let mi = di - offset;
    for (let i = 0; i < matchLen; i++) dst[di++] = dst[mi++];
  }
  return di;
}

function render() {
  const img = ctx2d.createImageData(width, height);
  const px = img.data;
  for (let i = 0, j = 0; i < plane.length; i++, j += 4) {
    const v = plane[i];
    px[j] = v; px[j + 1] = v; px[j + 2] = v; px[j + 3] = 255;
  }
  ctx2d.putImageData(img, 0, 0);
}

function handlePacket(buf) {
  const view = new DataView(buf);
  if (view.byteLength < 2 || view.getUint8(0) !== 0xDA) return;
  const type = view.getUint8(1);
  if (type !== 0x7E) return; // commands are for the device renderer
  const flags = view.getUint8(2);
  const seq = view.getUint32(3, true);
  const len = view.getUint32(7, true);
  const payload = new Uint8Array(buf, 11, len);
  const keyframe = (flags & 1) !== 0;

  if (!plane) {
    width = {{WIDTH}}; height = {{HEIGHT}};
    canvas.width = width; canvas.height = height;
    plane = new Uint8Array(width * height);
  }

  if (!keyframe && (lastSeq < 0 || seq !== (lastSeq + 1) >>> 0)) {
    lost++;
    return; // wait for the next keyframe
  }

  const out = new Uint8Array(width * height);
  lz4Decode(payload, out);
  if (keyframe) {
    plane.set(out);
  } else {
    for (let i = 0; i < plane.length; i++) plane[i] ^= out[i];
  }
  lastSeq = seq;
  frames++;
  render();
  bar.textContent = "seq " + seq + " · " + frames + " frames · " + lost + " dropped";
}

const ws = new WebSocket("ws://" + location.hostname + ":{{WSPORT}}/stream");
ws.binaryType = "arraybuffer";
ws.onmessage = (ev) => handlePacket(ev.data);
ws.onopen = () => { bar.textContent = "connected, waiting for keyframe"; };
ws.onclose = () => { bar.textContent = "disconnected"; };
</script>
</body>
</html>
`
