package foxglove

const SampleSchema = `{
  "type": "object",
  "properties": {
    "ts": { "type": "string" },
    "conn_id": { "type": "string" },
    "remote": { "type": "string" },
    "x": { "type": "number" },
    "y": { "type": "number" },
    "z": { "type": "number" },
    "text": { "type": "string" }
  },
  "required": ["x", "y", "z"]
}`

const TransformSchema = `{
  "type": "object",
  "properties": {
    "transforms": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "timestamp": { "type": "object", "properties": { "sec": { "type": "integer" }, "nsec": { "type": "integer" } } },
          "parent_frame_id": { "type": "string" },
          "child_frame_id": { "type": "string" },
          "translation": { "type": "object", "properties": { "x": { "type": "number" }, "y": { "type": "number" }, "z": { "type": "number" } } },
          "rotation": { "type": "object", "properties": { "x": { "type": "number" }, "y": { "type": "number" }, "z": { "type": "number" }, "w": { "type": "number" } } }
        }
      }
    }
  }
}`

const LogSchema = `{
  "type": "object",
  "properties": {
    "timestamp": { "type": "object", "properties": { "sec": { "type": "integer" }, "nsec": { "type": "integer" } } },
    "level": { "type": "integer" },
    "message": { "type": "string" },
    "name": { "type": "string" },
    "file": { "type": "string" },
    "line": { "type": "integer" }
  }
}`

type Config struct {
	WSAddr             string
	Name               string
	SampleTopic        string
	SampleChannelID    uint64
	TransformTopic     string
	TransformChannelID uint64
	LogTopic           string
	LogChannelID       uint64
	LogName            string
	ParentFrameID      string
	FrameID            string
	Precision          int
	SendBuf            int
}

func DefaultConfig() Config {
	return Config{
		WSAddr:             "127.0.0.1:8765",
		Name:               "orientlink",
		SampleTopic:        "/orientlink/sample",
		SampleChannelID:    1,
		TransformTopic:     "/tf",
		TransformChannelID: 2,
		LogTopic:           "/orientlink/log",
		LogChannelID:       3,
		LogName:            "listener",
		ParentFrameID:      "world",
		FrameID:            "sensor",
		Precision:          2,
		SendBuf:            256,
	}
}

// withDefaults fills zero fields and keeps the three channel ids distinct.
func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.WSAddr == "" {
		cfg.WSAddr = def.WSAddr
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.SampleTopic == "" {
		cfg.SampleTopic = def.SampleTopic
	}
	if cfg.SampleChannelID == 0 {
		cfg.SampleChannelID = def.SampleChannelID
	}
	if cfg.TransformTopic == "" {
		cfg.TransformTopic = def.TransformTopic
	}
	if cfg.TransformChannelID == 0 {
		cfg.TransformChannelID = def.TransformChannelID
	}
	if cfg.LogTopic == "" {
		cfg.LogTopic = def.LogTopic
	}
	if cfg.LogChannelID == 0 {
		cfg.LogChannelID = def.LogChannelID
	}
	if cfg.LogName == "" {
		cfg.LogName = def.LogName
	}
	if cfg.ParentFrameID == "" {
		cfg.ParentFrameID = def.ParentFrameID
	}
	if cfg.FrameID == "" {
		cfg.FrameID = def.FrameID
	}
	if cfg.Precision <= 0 {
		cfg.Precision = def.Precision
	}
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = def.SendBuf
	}
	if cfg.TransformChannelID == cfg.SampleChannelID {
		cfg.TransformChannelID = cfg.SampleChannelID + 1
	}
	if cfg.LogChannelID == cfg.SampleChannelID || cfg.LogChannelID == cfg.TransformChannelID {
		cfg.LogChannelID = max(cfg.SampleChannelID, cfg.TransformChannelID) + 1
	}
	return cfg
}
