package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"

	neterrors "netbar/errors"
)

// DefaultMaxFrameSize 是单条控制消息的默认上限。
const DefaultMaxFrameSize = 64 * 1024

// Encoder 将信封编码为换行分隔的 JSON 帧（线程安全）。
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	maxSize int
}

// NewEncoder 创建编码器。
// 参数：
// - w: 目标流
// - maxSize: 单帧上限（<=0 时取 DefaultMaxFrameSize）
func NewEncoder(w io.Writer, maxSize int) *Encoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Encoder{w: w, maxSize: maxSize}
}

// Encode 写出一条消息帧。
// 规则：
// - JSON 序列化天然转义换行，帧内不会出现裸分隔符
// - 帧（含分隔符）超过上限时不写出任何字节，返回超限错误，
//   后续帧不受影响
// 参数：
// - env: 消息信封
// 返回：
// - error: 序列化失败、超限或写入失败原因
func (e *Encoder) Encode(env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return neterrors.Wrap(neterrors.CodeFraming, "marshal envelope", err)
	}
	if len(raw)+1 > e.maxSize {
		return neterrors.New(neterrors.CodeOversizedMessage, "frame exceeds size bound")
	}
	frame := make([]byte, 0, len(raw)+1)
	frame = append(frame, raw...)
	frame = append(frame, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(frame); err != nil {
		return neterrors.Wrap(neterrors.CodeSendFailure, "write frame", err)
	}
	return nil
}

// Decoder 从流中按行解出信封序列。
type Decoder struct {
	r       *bufio.Reader
	maxSize int
}

// NewDecoder 创建解码器。
// 参数：
// - r: 来源流
// - maxSize: 单帧上限（<=0 时取 DefaultMaxFrameSize）
func NewDecoder(r io.Reader, maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{r: bufio.NewReaderSize(r, 8192), maxSize: maxSize}
}

// Decode 阻塞读取下一条完整消息帧。
// 规则：
// - 超限帧被整行丢弃并返回超限错误，流对齐到下一帧
// - 非法 JSON 返回帧格式错误；调用方应当断开连接而非重同步
// 返回：
// - Envelope: 解出的信封
// - error: 帧错误、超限或底层读取错误（EOF 原样透出）
func (d *Decoder) Decode() (Envelope, error) {
	line, err := d.readLine()
	if err != nil {
		return Envelope{}, err
	}
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return Envelope{}, neterrors.New(neterrors.CodeFraming, "empty frame")
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, neterrors.Wrap(neterrors.CodeFraming, "unmarshal frame", err)
	}
	if env.Type == "" {
		return Envelope{}, neterrors.New(neterrors.CodeFraming, "frame missing type")
	}
	return env, nil
}

// readLine 读取一整行，累计超过上限时继续消费到分隔符再报错，
// 以保证下一次 Decode 从帧边界开始。
func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(chunk) > 0 {
			if len(buf)+len(chunk) > d.maxSize {
				// 丢弃本帧剩余部分
				if err == bufio.ErrBufferFull {
					if derr := d.drainLine(); derr != nil {
						return nil, derr
					}
				}
				return nil, neterrors.New(neterrors.CodeOversizedMessage, "frame exceeds size bound")
			}
			buf = append(buf, chunk...)
		}
		if err == nil {
			return buf, nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if len(buf) > 0 && err == io.EOF {
			return nil, neterrors.New(neterrors.CodeFraming, "stream ended mid frame")
		}
		return nil, err
	}
}

// drainLine 消费当前行剩余字节直到分隔符。
func (d *Decoder) drainLine() error {
	for {
		_, err := d.r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return err
	}
}
